package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/dispatchgrid/consolehub/config"
	"github.com/dispatchgrid/consolehub/globals"
	"github.com/dispatchgrid/consolehub/store"
	"github.com/dispatchgrid/consolehub/types"
)

// A very simple CLI tool for the administration of the consolehub dataset.

var (
	configPath string

	abonentId    string
	abonentName  string
	abonentColor string
	groupTitle   string
	pruneKeep    int
)

func openStore() *store.Store {
	flagSet := config.GetFlagSet()
	cfg, err := config.ReadConfiguration(configPath, flagSet)
	if err != nil {
		globals.AppLogger.Error("could not read configuration", "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}
	return store.New(store.Config{
		DataPath:  cfg.StoreConfig.DataPath,
		BackupDir: cfg.StoreConfig.BackupDir,
		LockPath:  cfg.StoreConfig.LockPath,
	})
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		globals.AppLogger.Error("could not marshal", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "consolehub-admin",
		Short: "administer the consolehub dataset",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "print the full dataset",
		Run: func(cmd *cobra.Command, args []string) {
			printJSON(openStore().Load())
		},
	}

	groupsCmd := &cobra.Command{Use: "groups", Short: "manage talk groups"}
	groupsListCmd := &cobra.Command{
		Use:   "list",
		Short: "list talk groups",
		Run: func(cmd *cobra.Command, args []string) {
			printJSON(openStore().Load().Groups)
		},
	}
	groupsAddCmd := &cobra.Command{
		Use:   "add",
		Short: "add a talk group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if groupTitle == "" {
				return fmt.Errorf("--title must not be empty")
			}
			_, err := openStore().Update(func(ds *types.Dataset) error {
				for i := range ds.Groups {
					if ds.Groups[i].Title == groupTitle {
						return fmt.Errorf("group %q already exists", groupTitle)
					}
				}
				ds.Groups = append(ds.Groups, types.Group{
					Id:        ds.NextGroupId(),
					Title:     groupTitle,
					Status:    types.StatusOffline,
					Members:   make([]string, 0),
					CreatedAt: time.Now(),
				})
				return nil
			})
			return err
		},
	}
	groupsAddCmd.Flags().StringVar(&groupTitle, "title", "", "group title")
	groupsCmd.AddCommand(groupsListCmd, groupsAddCmd)

	abonentsCmd := &cobra.Command{Use: "abonents", Short: "manage abonents"}
	abonentsListCmd := &cobra.Command{
		Use:   "list",
		Short: "list abonents",
		Run: func(cmd *cobra.Command, args []string) {
			printJSON(openStore().Load().Abonents)
		},
	}
	abonentsAddCmd := &cobra.Command{
		Use:   "add",
		Short: "add an abonent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if abonentId == "" || abonentName == "" {
				return fmt.Errorf("--id and --name must not be empty")
			}
			_, err := openStore().Update(func(ds *types.Dataset) error {
				if ds.Abonent(abonentId) != nil {
					return fmt.Errorf("abonent %q already exists", abonentId)
				}
				ds.Abonents = append(ds.Abonents, types.Abonent{
					Id:        abonentId,
					Name:      abonentName,
					Color:     abonentColor,
					CreatedAt: time.Now(),
				})
				return nil
			})
			return err
		},
	}
	abonentsAddCmd.Flags().StringVar(&abonentId, "id", "", "abonent id")
	abonentsAddCmd.Flags().StringVar(&abonentName, "name", "", "abonent name")
	abonentsAddCmd.Flags().StringVar(&abonentColor, "color", "", "display color")
	abonentsCmd.AddCommand(abonentsListCmd, abonentsAddCmd)

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "force a load through the recovery chain and persist the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := openStore()
			ds := st.Load()
			if err := st.Save(ds); err != nil {
				return err
			}
			fmt.Printf("dataset ok: %d groups, %d abonents\n", len(ds.Groups), len(ds.Abonents))
			return nil
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "remove all but the newest backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pruneKeep <= 0 {
				return fmt.Errorf("--keep must be positive")
			}
			return openStore().PruneBackups(pruneKeep)
		},
	}
	pruneCmd.Flags().IntVar(&pruneKeep, "keep", 10, "number of backups to keep")

	rootCmd.AddCommand(showCmd, groupsCmd, abonentsCmd, repairCmd, pruneCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
