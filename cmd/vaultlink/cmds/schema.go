package cmds

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/vaultlink/pkg/protocol"
)

func NewSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [type]",
		Short: "Print the JSON schema of envelope payloads",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v interface{}
			if len(args) == 1 {
				t := protocol.EnvelopeType(args[0])
				if !t.IsKnown() {
					return fmt.Errorf("unknown envelope type %q", args[0])
				}
				schema, err := protocol.SchemaFor(t)
				if err != nil {
					return err
				}
				v = schema
			} else {
				schemas, err := protocol.Schemas()
				if err != nil {
					return err
				}
				v = schemas
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
}
