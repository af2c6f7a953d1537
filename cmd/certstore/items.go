package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/certstore/pkg/storage"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Output formats
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func addFilterFlags(flags *pflag.FlagSet, paging bool) {
	flags.String("id", "", "Match the document id")
	flags.String("name", "", "Match the name exactly, case-insensitively")
	flags.String("keyword", "", "Match names containing the keyword")
	flags.Int("ocsp-stale-mins", 0, "Only documents whose OCSP check is older than this many minutes")
	flags.Int("renewal-info-stale-mins", 0, "Only documents whose renewal-info check is older than this many minutes")
	flags.String("challenge-type", "", "Match a configured challenge type (http-01, dns-01, tls-alpn-01)")
	flags.String("challenge-provider", "", "Match a configured challenge provider")
	flags.String("credential-key", "", "Match a stored credential key used by a challenge")
	if paging {
		flags.Int("page", 0, "Page index, starting at 0")
		flags.Int("page-size", 0, "Page size; 0 disables paging")
		flags.Int("max", 0, "Maximum number of results when not paging")
	}
}

func filterFromFlags(flags *pflag.FlagSet) *types.ManagedCertificateFilter {
	f := &types.ManagedCertificateFilter{}
	f.ID, _ = flags.GetString("id")
	f.Name, _ = flags.GetString("name")
	f.Keyword, _ = flags.GetString("keyword")
	f.LastOCSPCheckMins, _ = flags.GetInt("ocsp-stale-mins")
	f.LastRenewalInfoCheckMins, _ = flags.GetInt("renewal-info-stale-mins")
	f.ChallengeType, _ = flags.GetString("challenge-type")
	f.ChallengeProvider, _ = flags.GetString("challenge-provider")
	f.StoredCredentialKey, _ = flags.GetString("credential-key")

	// paging flags are absent on count
	f.PageIndex, _ = flags.GetInt("page")
	f.PageSize, _ = flags.GetInt("page-size")
	f.MaxResults, _ = flags.GetInt("max")
	return f
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List managed certificates",
		Long: `List managed certificates ordered by name.

Examples:
  # Certificates using DNS validation through Cloudflare
  certstore list --challenge-provider DNS01.API.Cloudflare

  # Certificates due an OCSP check, as YAML
  certstore list --ocsp-stale-mins 60 -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")
			filter := filterFromFlags(cmd.Flags())

			return withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				docs, err := s.Find(ctx, filter)
				if err != nil {
					return err
				}
				return writeDocuments(cmd.OutOrStdout(), docs, format)
			})
		},
	}

	addFilterFlags(cmd.Flags(), true)
	cmd.Flags().StringP("output", "o", formatTable, "Output format (table, json, yaml)")
	return cmd
}

func newCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count managed certificates matching a filter",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := filterFromFlags(cmd.Flags())

			return withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				n, err := s.CountAll(ctx, filter)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}

	addFilterFlags(cmd.Flags(), false)
	return cmd
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one managed certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("output")

			return withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				doc, err := s.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				if doc == nil {
					return fmt.Errorf("%w: %s", storage.ErrNotFound, args[0])
				}
				return writeDocument(cmd.OutOrStdout(), doc, format)
			})
		},
	}

	cmd.Flags().StringP("output", "o", formatYAML, "Output format (json, yaml)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete managed certificates",
		Long: `Delete managed certificates by id, by name prefix, or all of them.

Examples:
  certstore delete --id 5b0f...
  certstore delete --name-prefix staging.
  certstore delete --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			prefix, _ := cmd.Flags().GetString("name-prefix")
			all, _ := cmd.Flags().GetBool("all")

			selected := 0
			for _, set := range []bool{id != "", cmd.Flags().Changed("name-prefix"), all} {
				if set {
					selected++
				}
			}
			if selected != 1 {
				return fmt.Errorf("exactly one of --id, --name-prefix or --all is required")
			}

			return withStore(cmd, func(ctx context.Context, s *storage.Store) error {
				out := cmd.OutOrStdout()
				switch {
				case id != "":
					if err := s.Delete(ctx, &types.ManagedCertificate{ID: id}); err != nil {
						return err
					}
					fmt.Fprintf(out, "✓ Deleted %s\n", id)
				case all:
					if err := s.DeleteAll(ctx); err != nil {
						return err
					}
					fmt.Fprintln(out, "✓ Deleted all managed certificates")
				default:
					if err := s.DeleteByName(ctx, prefix); err != nil {
						return err
					}
					fmt.Fprintf(out, "✓ Deleted certificates named %s*\n", prefix)
				}
				return nil
			})
		},
	}

	cmd.Flags().String("id", "", "Delete the certificate with this id")
	cmd.Flags().String("name-prefix", "", "Delete certificates whose name starts with this prefix")
	cmd.Flags().Bool("all", false, "Delete every certificate")
	return cmd
}

func writeDocuments(w io.Writer, docs []*types.ManagedCertificate, format string) error {
	switch format {
	case formatTable:
		return writeTable(w, docs)
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(docs)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func writeDocument(w io.Writer, doc *types.ManagedCertificate, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func writeTable(w io.Writer, docs []*types.ManagedCertificate) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tEXPIRES\tCHALLENGES")
	for _, doc := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			doc.ID, doc.Name, doc.Version, formatDate(doc.DateExpiry), challengeSummary(doc))
	}
	return tw.Flush()
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}

func challengeSummary(doc *types.ManagedCertificate) string {
	if len(doc.RequestConfig.Challenges) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(doc.RequestConfig.Challenges))
	for _, c := range doc.RequestConfig.Challenges {
		if c.ChallengeProvider != "" {
			parts = append(parts, c.ChallengeType+"/"+c.ChallengeProvider)
		} else {
			parts = append(parts, c.ChallengeType)
		}
	}
	return strings.Join(parts, ",")
}
