// Package bsu manages the base-station unit inventory: the Kirisun DR600
// retranslators and the DP990 timeslots. It is a standalone dataset in its
// own file, separate from the presence dataset.
package bsu

const StatusActive = "active"

// Retranslator is one DR600 repeater. Config is free-form (frequency, power
// and whatever else the console sends along).
type Retranslator struct {
	Id     string                 `json:"id"`
	Ip     string                 `json:"ip"`
	Status string                 `json:"status"`
	Config map[string]interface{} `json:"config"`
}

// Timeslot is one DP990 transmission window.
type Timeslot struct {
	Id        string `json:"id"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Frequency string `json:"frequency"`
	Status    string `json:"status"`
}

// Dataset is the persisted BSU state. Both members are always present.
type Dataset struct {
	Retranslators []Retranslator `json:"retranslators"`
	Timeslots     []Timeslot     `json:"timeslots"`
}

func NewDataset() *Dataset {
	return &Dataset{
		Retranslators: make([]Retranslator, 0),
		Timeslots:     make([]Timeslot, 0),
	}
}

// AddRetranslator registers a new repeater with a fresh id and the active
// default status.
func (d *Dataset) AddRetranslator(ip string, config map[string]interface{}) Retranslator {
	r := Retranslator{Id: newId(), Ip: ip, Status: StatusActive, Config: config}
	d.Retranslators = append(d.Retranslators, r)
	return r
}

// AddTimeslot registers a new transmission window with a fresh id and the
// active default status.
func (d *Dataset) AddTimeslot(startTime, endTime, frequency string) Timeslot {
	ts := Timeslot{Id: newId(), StartTime: startTime, EndTime: endTime, Frequency: frequency, Status: StatusActive}
	d.Timeslots = append(d.Timeslots, ts)
	return ts
}

// DeleteRetranslator removes the repeater with the given id. An unknown id
// is a no-op.
func (d *Dataset) DeleteRetranslator(id string) bool {
	for i := range d.Retranslators {
		if d.Retranslators[i].Id == id {
			d.Retranslators = append(d.Retranslators[:i], d.Retranslators[i+1:]...)
			return true
		}
	}
	return false
}

// DeleteTimeslot removes the timeslot with the given id. An unknown id is a
// no-op.
func (d *Dataset) DeleteTimeslot(id string) bool {
	for i := range d.Timeslots {
		if d.Timeslots[i].Id == id {
			d.Timeslots = append(d.Timeslots[:i], d.Timeslots[i+1:]...)
			return true
		}
	}
	return false
}
