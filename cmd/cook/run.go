package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/cook/internal/model"
)

const cliClient = "cli"

var runCmd = &cobra.Command{
	Use:   "run ORDER",
	Short: "run a single job order (JSON or YAML) and print its report",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "list configured tools",
	RunE:  doTools,
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := readOrder(args[0])
	if err != nil {
		return err
	}
	if o.ClientID == "" {
		o.ClientID = cliClient
		cfg.Clients = append(cfg.Clients, cliClient)
	}
	if o.ID == "" {
		o.ID = model.NewID()
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	if _, err := a.manager.CreateJob(o, ""); err != nil {
		return err
	}

	runErr := a.manager.RunJob(ctx, o.ClientID, o.ID)
	report, err := a.manager.JobReport(o.ClientID, o.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}

// readOrder decodes an order file; YAML documents are converted through
// their JSON form so both formats share the JSON field names.
func readOrder(path string) (model.Order, error) {
	var o model.Order
	data, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("read order: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return o, fmt.Errorf("parse order %s: %w", path, err)
		}
		if data, err = json.Marshal(v); err != nil {
			return o, fmt.Errorf("parse order %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("parse order %s: %w", path, err)
	}
	return o, nil
}

func doTools(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tMAX\tTIMEOUT\tEXECUTABLE")
	for _, t := range a.registry.Tools() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%ds\t%s\n", t.Name, t.Version, t.MaxInstances, t.TimeoutS, t.Executable)
	}
	return w.Flush()
}
