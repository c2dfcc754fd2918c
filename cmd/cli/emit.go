package cli

import (
	"fmt"
	"strings"

	"autoflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var emitData []string

var emitCmd = &cobra.Command{
	Use:   "emit <event-type>",
	Short: "Emit an event and run subscribed workflows in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseData(emitData)
		if err != nil {
			return err
		}
		cfg, db, err := bootstrap()
		if err != nil {
			return err
		}
		logger := logrus.StandardLogger()
		a := newApp(cfg, db, logger)
		defer a.close()

		emitter := services.NewEventEmitter(db, services.NewInlineSubmitter(a.engine), a.audit, logger)
		n, err := emitter.Emit(cmd.Context(), args[0], vars)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d workflow(s) triggered\n", args[0], n)
		return nil
	},
}

func init() {
	emitCmd.Flags().StringSliceVarP(&emitData, "data", "d", nil, "event variable as key=value (repeatable)")
	rootCmd.AddCommand(emitCmd)
}

func parseData(pairs []string) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --data %q, expected key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}
