package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/certstore/pkg/codec"
	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import managed certificates from a file",
		Long: `Import managed certificates from a JSON array or a YAML list.
Documents without an id get one assigned. A document whose id is already
stored replaces it only when its version is not older than the stored one;
otherwise the import stops with a version conflict under the default
"reject" conflict policy. Set store.conflict_policy to "log" (or
CERTSTORE_STORE_CONFLICT__POLICY=log) to overwrite anyway, or give the
document version -1 to skip the check.

Examples:
  # Import a previous export
  certstore import -f certificates.yaml

  # Import a legacy JSON export
  certstore import -f manageditems.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filename, _ := cmd.Flags().GetString("file")
			format, _ := cmd.Flags().GetString("format")

			data, err := os.ReadFile(filename)
			if err != nil {
				return fmt.Errorf("failed to read file: %v", err)
			}

			if format == "" {
				format = formatFromPath(filename)
			}
			docs, err := decodeDocuments(data, format)
			if err != nil {
				return err
			}

			return withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				if err := s.StoreAll(ctx, docs); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %d managed certificates\n", len(docs))
				return nil
			})
		},
	}

	cmd.Flags().StringP("file", "f", "", "File to import (required)")
	cmd.Flags().String("format", "", "Input format (json, yaml); inferred from the extension when empty")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export managed certificates",
		Long: `Export managed certificates, optionally filtered, as YAML or JSON.
The output can be read back with import.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filename, _ := cmd.Flags().GetString("file")
			format, _ := cmd.Flags().GetString("format")
			filter := filterFromFlags(cmd.Flags())

			if format == "" {
				format = formatYAML
				if filename != "" {
					format = formatFromPath(filename)
				}
			}
			if format != formatJSON && format != formatYAML {
				return fmt.Errorf("unsupported export format %q", format)
			}

			return withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				docs, err := s.Find(ctx, filter)
				if err != nil {
					return err
				}

				var out io.Writer = cmd.OutOrStdout()
				if filename != "" {
					f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
					if err != nil {
						return fmt.Errorf("failed to create export file: %v", err)
					}
					defer f.Close()
					out = f
				}

				if err := writeDocuments(out, docs, format); err != nil {
					return err
				}
				if filename != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %d managed certificates to %s\n", len(docs), filename)
				}
				return nil
			})
		},
	}

	addFilterFlags(cmd.Flags(), false)
	cmd.Flags().StringP("file", "f", "", "Write to this file instead of stdout")
	cmd.Flags().String("format", "", "Output format (json, yaml); inferred from the extension when empty")
	return cmd
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// decodeDocuments parses an import file. JSON goes through the store codec
// so legacy PascalCase exports load too.
func decodeDocuments(data []byte, format string) ([]*types.ManagedCertificate, error) {
	var docs []*types.ManagedCertificate
	switch format {
	case formatJSON:
		decoded, err := codec.DecodeList(data)
		if err != nil {
			return nil, err
		}
		docs = decoded
	case formatYAML:
		if err := yaml.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v", err)
		}
	default:
		return nil, fmt.Errorf("unsupported import format %q", format)
	}

	kept := docs[:0]
	for _, doc := range docs {
		if doc != nil {
			kept = append(kept, doc)
		}
	}
	return kept, nil
}
