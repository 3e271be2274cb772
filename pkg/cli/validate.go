package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gaswelder/che-sub003/pkg/cli/internal/output"
	"github.com/gaswelder/che-sub003/pkg/config"
)

// ValidateOutput is the --json form of a successful validation.
type ValidateOutput struct {
	Valid  bool         `json:"valid"`
	Config string       `json:"config"`
	Hash   string       `json:"configHash"`
	Ports  []PortOutput `json:"ports"`
}

// PortOutput lists the hosts served on one port.
type PortOutput struct {
	Port  int          `json:"port"`
	Hosts []HostOutput `json:"hosts"`
}

// HostOutput is a resolved virtual host.
type HostOutput struct {
	Name    string   `json:"name"`
	Root    string   `json:"root"`
	CGIDir  string   `json:"cgiDir,omitempty"`
	Default bool     `json:"default,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	Proxy   []string `json:"proxy,omitempty"`
}

var (
	validateConfigPath   string
	validateShowResolved bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file without serving it",
	Long: `Validate a configuration file without opening any listener.

This command checks:
  - YAML/JSON syntax
  - Schema validation (required fields, valid values)
  - Semantic rules (one default host per port, unique names)
  - Document roots and upstream addresses can be resolved`,
	Example: `  # Validate a configuration
  webd validate -c webd.yaml

  # Machine-readable result
  webd validate -c webd.yaml --json

  # Print the configuration with defaults applied
  webd validate -c webd.yaml --show-resolved`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigPath, "config", "c", "", "Path to the configuration file (YAML or JSON) [required]")
	validateCmd.Flags().BoolVar(&validateShowResolved, "show-resolved", false, "Print the configuration with defaults applied")
	_ = validateCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFromFile(validateConfigPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	snap, err := config.NewSnapshot(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	out := ValidateOutput{
		Valid:  true,
		Config: validateConfigPath,
		Hash:   computeConfigHash(cfg),
	}
	for _, port := range snap.Ports() {
		po := PortOutput{Port: port}
		for _, h := range snap.HostsOn(port) {
			po.Hosts = append(po.Hosts, describeHost(h))
		}
		out.Ports = append(out.Ports, po)
	}

	w := cmd.OutOrStdout()
	err = printResult(w, out, func() {
		fmt.Fprintln(w, "Configuration is valid.")
		fmt.Fprintln(w)
		tw := output.Table(w)
		fmt.Fprintln(tw, "PORT\tHOST\tROOT\tCGI\tALIASES\tPROXY")
		for _, po := range out.Ports {
			for _, h := range po.Hosts {
				name := h.Name
				if h.Default {
					name += " (default)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					portLabel(po.Port), name, h.Root, dash(h.CGIDir),
					dash(strings.Join(h.Aliases, ", ")), dash(strings.Join(h.Proxy, ", ")))
			}
		}
		_ = tw.Flush()

		for _, po := range out.Ports {
			if !hasDefault(po.Hosts) {
				output.Warn(cmd.ErrOrStderr(), "port %s has no default host; requests for unknown names get 404", portLabel(po.Port))
			}
		}
	})
	if err != nil {
		return err
	}

	if validateShowResolved && !jsonOutput {
		data, err := config.ToYAML(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Resolved configuration:")
		_, err = w.Write(data)
		return err
	}
	return nil
}

func describeHost(h *config.Host) HostOutput {
	ho := HostOutput{
		Name:    h.Name,
		Root:    h.Root,
		CGIDir:  h.CGIDir,
		Default: h.Default,
	}
	for _, a := range h.Aliases {
		ho.Aliases = append(ho.Aliases, a.Prefix+" -> "+a.Target)
	}
	for i := range h.Proxy {
		p := &h.Proxy[i]
		ho.Proxy = append(ho.Proxy, p.Prefix+" -> "+p.Upstream+" ("+p.Addr().String()+")")
	}
	return ho
}

func hasDefault(hosts []HostOutput) bool {
	for _, h := range hosts {
		if h.Default {
			return true
		}
	}
	return false
}

func portLabel(port int) string {
	if port == 0 {
		return "auto"
	}
	return strconv.Itoa(port)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
