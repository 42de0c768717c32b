package main

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sdboyer/tgps/gps"
)

// newNamesCommand adds a small diagnostic subcommand for looking up package
// names by prefix against the loaded name table, without running a
// resolution.
func newNamesCommand(l *logrus.Logger) *cobra.Command {
	var mongoURI, pypiDB, configPath string

	cmd := &cobra.Command{
		Use:   "names <prefix>",
		Short: "List every canonical package name starting with a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := gps.DefaultConfig()
			if configPath != "" {
				fileCfg, err := gps.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = fileCfg
			}
			if cmd.Flags().Changed("mongo-uri") || cfg.Mongo.URI == "" {
				cfg.Mongo.URI = mongoURI
			}
			if cmd.Flags().Changed("pypi-db") {
				cfg.Mongo.Database = pypiDB
			}

			store, err := gps.NewMongoStore(cmd.Context(), cfg.Mongo)
			if err != nil {
				return err
			}
			gctx, err := gps.NewContext(cmd.Context(), cfg, store, l)
			if err != nil {
				return err
			}
			defer gctx.Close()

			matches := gctx.NamesWithPrefix(args[0])
			names := make([]string, 0, len(matches))
			for name := range matches {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%s\t%d\n", name, matches[name])
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&mongoURI, "mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	f.StringVar(&pypiDB, "pypi-db", "pypi_dump", "database name for the graph collections")
	f.StringVar(&configPath, "config", "", "YAML config file overriding the Mongo connection settings")

	return cmd
}
