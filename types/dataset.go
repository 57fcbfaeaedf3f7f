package types

import "time"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Dataset is the full persisted application state. All three members are
// always present: the store never writes (or returns) a dataset with a nil
// member. Settings is free-form key/value configuration, the consoles store
// strings and numbers in it.
type Dataset struct {
	Groups   []Group                `json:"groups"`
	Abonents []Abonent              `json:"abonents"`
	Settings map[string]interface{} `json:"settings"`
}

// Group is a talk group of abonents. Status is only ever changed by broadcast
// events, a repeated creation request must not overwrite it.
type Group struct {
	Id        int64     `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// Abonent is a registered console operator identity tracked for presence.
// LastSeen is set at the instant Online transitions to false and cleared
// while the abonent is online.
type Abonent struct {
	Id        string     `json:"id"`
	Name      string     `json:"name"`
	Color     string     `json:"color"`
	Icon      string     `json:"icon,omitempty"`
	Online    bool       `json:"online"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// NewDataset returns an empty dataset with all members initialized.
func NewDataset() *Dataset {
	return &Dataset{
		Groups:   make([]Group, 0),
		Abonents: make([]Abonent, 0),
		Settings: make(map[string]interface{}),
	}
}

// Abonent returns a pointer into the dataset's abonent slice, or nil if the
// id is unknown.
func (d *Dataset) Abonent(id string) *Abonent {
	for i := range d.Abonents {
		if d.Abonents[i].Id == id {
			return &d.Abonents[i]
		}
	}
	return nil
}

// Group returns a pointer into the dataset's group slice, or nil.
func (d *Dataset) Group(id int64) *Group {
	for i := range d.Groups {
		if d.Groups[i].Id == id {
			return &d.Groups[i]
		}
	}
	return nil
}

// NextGroupId returns the next creation-time monotonic group id.
func (d *Dataset) NextGroupId() int64 {
	var max int64
	for i := range d.Groups {
		if d.Groups[i].Id > max {
			max = d.Groups[i].Id
		}
	}
	return max + 1
}
