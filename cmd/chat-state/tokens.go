package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/colinrozzi/chat-state/pkg/settings"
	"github.com/colinrozzi/chat-state/pkg/tokens"
)

func newTokensCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Token accounting helpers",
	}
	cmd.AddCommand(newTokensCountCommand())
	return cmd
}

func newTokensCountCommand() *cobra.Command {
	var (
		model    string
		encoding string
	)
	cmd := &cobra.Command{
		Use:   "count [file]",
		Short: "Count tokens in a file or stdin using a model's encoding",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := encoding
			if enc == "" {
				info, ok := settings.DefaultCatalog().Lookup(model)
				if !ok {
					return errors.Errorf("model %q is not in the catalog; pass --encoding instead", model)
				}
				enc = info.Encoding
			}

			var (
				data []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return errors.Wrap(err, "read input")
			}

			estimator := tokens.ForEncoding(enc)
			fmt.Fprintln(cmd.OutOrStdout(), estimator.EstimateText(string(data)))
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", settings.DefaultModelID, "catalog model whose encoding to use")
	cmd.Flags().StringVar(&encoding, "encoding", "", "tokenizer encoding name (overrides --model)")
	return cmd
}
