package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eurogig/simple-mcp-client/internal/config"
	"github.com/eurogig/simple-mcp-client/internal/guard"
	"github.com/eurogig/simple-mcp-client/internal/libmcp"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mcpclient",
	Short: "mcpclient - A lightweight client for the Model Context Protocol",
	Long:  `A lightweight MCP client that connects to tool-providing servers, routes tool calls across multiple servers, and screens all traffic through Lakera Guard.`,
}

// buildLogger returns a console zap logger writing to stderr so command
// output on stdout stays machine-readable.
func buildLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// newSecurityManager wires up Lakera Guard screening. A missing API key
// downgrades to unscreened mode with a warning instead of failing, matching
// the disable flag path.
func newSecurityManager(disabled bool, apiKey string, failOnViolation bool, logger *zap.Logger) *guard.Manager {
	if disabled {
		fmt.Fprintln(os.Stderr, "Security screening disabled")
		return nil
	}

	client, err := guard.NewClient(guard.ClientConfig{APIKey: apiKey}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Security disabled: %v\n", err)
		return nil
	}

	fmt.Fprintln(os.Stderr, "Security screening enabled")
	return guard.NewManager(client, guard.ManagerOptions{LogOnly: !failOnViolation}, logger)
}

// screenerOrNil avoids handing a typed-nil *guard.Manager to the client.
func screenerOrNil(mgr *guard.Manager) libmcp.Screener {
	if mgr == nil {
		return nil
	}
	return mgr
}

// writeOutput renders v as JSON or YAML to a file, or stdout when path is
// empty.
func writeOutput(v interface{}, path, format string) error {
	var data []byte
	var err error
	switch format {
	case "yaml":
		// Round-trip through JSON so json.RawMessage fields render as
		// structures instead of byte blobs.
		data, err = json.Marshal(v)
		if err == nil {
			var plain interface{}
			if err = json.Unmarshal(data, &plain); err == nil {
				data, err = yaml.Marshal(plain)
			}
		}
	case "", "json":
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("unsupported output format %q (expected json or yaml)", format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	if path == "" {
		fmt.Print(string(data))
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	fmt.Printf("Output saved to %s\n", path)
	return nil
}

func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// parseToolArgs decodes the --args JSON string.
func parseToolArgs(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON format for arguments: %w", err)
	}
	return args, nil
}

// exitOnViolation prints a dedicated message for screening violations.
func exitOnViolation(err error) {
	var violation *guard.ViolationError
	if errors.As(err, &violation) {
		fmt.Fprintf(os.Stderr, "Security violation: %v\n", violation)
		os.Exit(1)
	}
}

func printSecurityStats(mgr *guard.Manager) {
	if mgr == nil {
		return
	}
	stats := mgr.Stats()
	if stats.ToolsScreened == 0 && stats.InteractionsScreened == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "Security: %d tools screened, %d interactions screened, %d violations detected\n",
		stats.ToolsScreened, stats.InteractionsScreened, stats.ViolationsDetected)
}

func addSecurityFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("disable-security", false, "Disable security screening")
	cmd.Flags().String("lakera-api-key", "", "Lakera API key (overrides LAKERA_GUARD_API_KEY env var)")
}

func NewServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Single server operations",
	}
	cmd.AddCommand(newServerConnectCommand())
	cmd.AddCommand(newServerListToolsCommand())
	cmd.AddCommand(newServerCallToolCommand())
	return cmd
}

func newServerConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Test connection to an MCP server",
		Run: func(cmd *cobra.Command, args []string) {
			serverURL, _ := cmd.Flags().GetString("server-url")
			timeout, _ := cmd.Flags().GetInt("timeout")
			disableSecurity, _ := cmd.Flags().GetBool("disable-security")
			apiKey, _ := cmd.Flags().GetString("lakera-api-key")

			logger := buildLogger()
			defer logger.Sync() //nolint:errcheck

			mgr := newSecurityManager(disableSecurity, apiKey, true, logger)
			client := libmcp.NewClient(serverURL, time.Duration(timeout)*time.Second, screenerOrNil(mgr), logger)
			defer client.Close()

			if err := client.Connect(cmd.Context()); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", serverURL, err)
				os.Exit(1)
			}
			fmt.Printf("Successfully connected to %s\n", serverURL)
			printSecurityStats(mgr)
		},
	}
	cmd.Flags().StringP("server-url", "u", "", "MCP server URL")
	cmd.Flags().IntP("timeout", "t", 30, "Request timeout in seconds")
	addSecurityFlags(cmd)
	cmd.MarkFlagRequired("server-url") //nolint:errcheck
	return cmd
}

func newServerListToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-tools",
		Short: "List available tools from an MCP server",
		Run: func(cmd *cobra.Command, args []string) {
			serverURL, _ := cmd.Flags().GetString("server-url")
			timeout, _ := cmd.Flags().GetInt("timeout")
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			disableSecurity, _ := cmd.Flags().GetBool("disable-security")
			apiKey, _ := cmd.Flags().GetString("lakera-api-key")

			logger := buildLogger()
			defer logger.Sync() //nolint:errcheck

			mgr := newSecurityManager(disableSecurity, apiKey, true, logger)
			client := libmcp.NewClient(serverURL, time.Duration(timeout)*time.Second, screenerOrNil(mgr), logger)
			defer client.Close()

			tools, err := client.ListTools(cmd.Context())
			if err != nil {
				exitOnViolation(err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if output != "" || format != "" {
				if err := writeOutput(tools, output, format); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			} else if len(tools) == 0 {
				fmt.Println("No tools available")
			} else {
				fmt.Printf("Found %d tool(s):\n", len(tools))
				for _, tool := range tools {
					fmt.Printf("  - %s: %s\n", tool.Name, tool.Description)
				}
			}
			printSecurityStats(mgr)
		},
	}
	cmd.Flags().StringP("server-url", "u", "", "MCP server URL")
	cmd.Flags().IntP("timeout", "t", 30, "Request timeout in seconds")
	cmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	cmd.Flags().String("format", "", "Output format: json or yaml")
	addSecurityFlags(cmd)
	cmd.MarkFlagRequired("server-url") //nolint:errcheck
	return cmd
}

func newServerCallToolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call-tool",
		Short: "Call a specific tool on an MCP server",
		Run: func(cmd *cobra.Command, args []string) {
			serverURL, _ := cmd.Flags().GetString("server-url")
			toolName, _ := cmd.Flags().GetString("tool-name")
			rawArgs, _ := cmd.Flags().GetString("args")
			timeout, _ := cmd.Flags().GetInt("timeout")
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			disableSecurity, _ := cmd.Flags().GetBool("disable-security")
			apiKey, _ := cmd.Flags().GetString("lakera-api-key")

			toolArgs, err := parseToolArgs(rawArgs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			logger := buildLogger()
			defer logger.Sync() //nolint:errcheck

			mgr := newSecurityManager(disableSecurity, apiKey, true, logger)
			client := libmcp.NewClient(serverURL, time.Duration(timeout)*time.Second, screenerOrNil(mgr), logger)
			defer client.Close()

			resp, err := client.CallTool(cmd.Context(), toolName, toolArgs)
			if err != nil {
				exitOnViolation(err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if resp.Error != nil {
				fmt.Fprintf(os.Stderr, "Error %d: %s\n", resp.Error.Code, resp.Error.Message)
				os.Exit(1)
			}

			if err := writeOutput(resp.Result, output, format); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			printSecurityStats(mgr)
		},
	}
	cmd.Flags().StringP("server-url", "u", "", "MCP server URL")
	cmd.Flags().StringP("tool-name", "n", "", "Name of the tool to call")
	cmd.Flags().StringP("args", "a", "", "Tool arguments as JSON string")
	cmd.Flags().IntP("timeout", "t", 30, "Request timeout in seconds")
	cmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	cmd.Flags().String("format", "", "Output format: json or yaml")
	addSecurityFlags(cmd)
	cmd.MarkFlagRequired("server-url") //nolint:errcheck
	cmd.MarkFlagRequired("tool-name")  //nolint:errcheck
	return cmd
}

func NewMultiCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "multi",
		Short: "Multi-server operations",
	}
	cmd.AddCommand(newMultiAddServerCommand())
	cmd.AddCommand(newMultiRemoveServerCommand())
	cmd.AddCommand(newMultiListServersCommand())
	cmd.AddCommand(newMultiListToolsCommand())
	cmd.AddCommand(newMultiCallToolCommand())
	return cmd
}

func newMultiAddServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-server",
		Short: "Add a server to the configuration",
		Run: func(cmd *cobra.Command, args []string) {
			name, _ := cmd.Flags().GetString("name")
			url, _ := cmd.Flags().GetString("url")
			description, _ := cmd.Flags().GetString("description")
			timeout, _ := cmd.Flags().GetInt("timeout")
			priority, _ := cmd.Flags().GetInt("priority")
			rawTags, _ := cmd.Flags().GetString("tags")
			disabled, _ := cmd.Flags().GetBool("disabled")

			if _, err := libmcp.NormalizeOrigin(url); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			var tags []string
			for _, tag := range strings.Split(rawTags, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					tags = append(tags, tag)
				}
			}

			cfg, path, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			err = cfg.AddServer(config.ServerConfig{
				Name:        name,
				URL:         url,
				Description: description,
				Enabled:     !disabled,
				Timeout:     timeout,
				Priority:    priority,
				Tags:        tags,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if err := config.Save(cfg, path); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Added server %q (%s)\n", name, url)
		},
	}
	cmd.Flags().StringP("name", "n", "", "Server name")
	cmd.Flags().StringP("url", "u", "", "Server URL")
	cmd.Flags().StringP("description", "d", "", "Server description")
	cmd.Flags().IntP("timeout", "t", 30, "Request timeout in seconds")
	cmd.Flags().IntP("priority", "p", 0, "Server priority (higher = preferred)")
	cmd.Flags().String("tags", "", "Comma-separated tags")
	cmd.Flags().Bool("disabled", false, "Add server as disabled")
	cmd.MarkFlagRequired("name") //nolint:errcheck
	cmd.MarkFlagRequired("url")  //nolint:errcheck
	return cmd
}

func newMultiRemoveServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove-server",
		Short: "Remove a server from the configuration",
		Run: func(cmd *cobra.Command, args []string) {
			name, _ := cmd.Flags().GetString("name")

			cfg, path, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			removed, err := cfg.RemoveServer(name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if err := config.Save(cfg, path); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Removed server %q (%s)\n", removed.Name, removed.URL)
		},
	}
	cmd.Flags().StringP("name", "n", "", "Server name to remove")
	cmd.MarkFlagRequired("name") //nolint:errcheck
	return cmd
}

func newMultiListServersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-servers",
		Short: "List all configured servers",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, _, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(cfg.Servers) == 0 {
				fmt.Println("No servers configured")
				return
			}
			fmt.Printf("Configured servers (%d):\n", len(cfg.Servers))
			for _, server := range cfg.Servers {
				status := "enabled"
				if !server.Enabled {
					status = "disabled"
				}
				fmt.Printf("  - %s (%s) [%s]\n", server.Name, server.URL, status)
				if server.Description != "" {
					fmt.Printf("    Description: %s\n", server.Description)
				}
				if len(server.Tags) > 0 {
					fmt.Printf("    Tags: %s\n", strings.Join(server.Tags, ", "))
				}
				fmt.Printf("    Priority: %d, Timeout: %ds\n", server.Priority, server.Timeout)
			}
		},
	}
}

// buildMultiClient connects a MultiClient to every enabled configured
// server.
func buildMultiClient(ctx context.Context, cfg *config.Config, disableSecurity bool, apiKey string, logger *zap.Logger) (*libmcp.MultiClient, *guard.Manager, error) {
	enabled := cfg.EnabledServers()
	if len(enabled) == 0 {
		return nil, nil, errors.New("no enabled servers configured")
	}

	securityOff := disableSecurity || !cfg.EnableSecurity
	mgr := newSecurityManager(securityOff, apiKey, cfg.FailOnViolation, logger)

	client := libmcp.NewMultiClient(time.Duration(cfg.DefaultTimeout)*time.Second, screenerOrNil(mgr), logger)
	for _, server := range enabled {
		if err := client.AddServer(ctx, server.URL); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to %s (%s): %v\n", server.Name, server.URL, err)
			continue
		}
		fmt.Fprintf(os.Stderr, "Connected to %s (%s)\n", server.Name, server.URL)
	}
	return client, mgr, nil
}

func newMultiListToolsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-tools",
		Short: "List all tools from all configured servers",
		Run: func(cmd *cobra.Command, args []string) {
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			disableSecurity, _ := cmd.Flags().GetBool("disable-security")
			apiKey, _ := cmd.Flags().GetString("lakera-api-key")

			logger := buildLogger()
			defer logger.Sync() //nolint:errcheck

			cfg, _, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			client, mgr, err := buildMultiClient(cmd.Context(), cfg, disableSecurity, apiKey, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			tools := client.ListTools()
			if output != "" || format != "" {
				if err := writeOutput(tools, output, format); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			} else if len(tools) == 0 {
				fmt.Println("No tools available")
			} else {
				stats := client.Stats()
				fmt.Printf("Found %d tool(s) across %d server(s):\n", stats.TotalTools, stats.TotalServers)
				for _, tool := range tools {
					fmt.Printf("  - %s: %s\n", tool.Name, tool.Description)
					fmt.Printf("    Server: %s\n", tool.ServerURL)
				}
			}
			printSecurityStats(mgr)
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	cmd.Flags().String("format", "", "Output format: json or yaml")
	addSecurityFlags(cmd)
	return cmd
}

func newMultiCallToolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call-tool",
		Short: "Call a tool by name across all configured servers",
		Run: func(cmd *cobra.Command, args []string) {
			toolName, _ := cmd.Flags().GetString("tool-name")
			rawArgs, _ := cmd.Flags().GetString("args")
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			disableSecurity, _ := cmd.Flags().GetBool("disable-security")
			apiKey, _ := cmd.Flags().GetString("lakera-api-key")

			toolArgs, err := parseToolArgs(rawArgs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			logger := buildLogger()
			defer logger.Sync() //nolint:errcheck

			cfg, _, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			client, mgr, err := buildMultiClient(cmd.Context(), cfg, disableSecurity, apiKey, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			tool, ok := client.FindTool(toolName)
			if !ok {
				fmt.Fprintf(os.Stderr, "Error: tool %q not found on any server\n", toolName)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Found tool %q on server %s\n", toolName, tool.ServerURL)

			resp, err := client.CallTool(cmd.Context(), toolName, toolArgs)
			if err != nil {
				exitOnViolation(err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if resp.Error != nil {
				fmt.Fprintf(os.Stderr, "Error %d: %s\n", resp.Error.Code, resp.Error.Message)
				os.Exit(1)
			}

			if err := writeOutput(resp.Result, output, format); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			stats := client.Stats()
			fmt.Fprintf(os.Stderr, "Statistics: %d requests routed\n", stats.RequestsRouted)
			printSecurityStats(mgr)
		},
	}
	cmd.Flags().StringP("tool-name", "n", "", "Name of the tool to call")
	cmd.Flags().StringP("args", "a", "", "Tool arguments as JSON string")
	cmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	cmd.Flags().String("format", "", "Output format: json or yaml")
	addSecurityFlags(cmd)
	cmd.MarkFlagRequired("tool-name") //nolint:errcheck
	return cmd
}

func NewScreenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Screen content using Lakera Guard",
		Run: func(cmd *cobra.Command, args []string) {
			content, _ := cmd.Flags().GetString("content")
			apiKey, _ := cmd.Flags().GetString("lakera-api-key")
			detailed, _ := cmd.Flags().GetBool("detailed")

			logger := buildLogger()
			defer logger.Sync() //nolint:errcheck

			client, err := guard.NewClient(guard.ClientConfig{APIKey: apiKey}, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()

			result, err := client.ScreenMessages(cmd.Context(), []guard.Message{{Role: "user", Content: content}}, detailed)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if result.Flagged {
				fmt.Println("Content flagged as potentially unsafe")
			} else {
				fmt.Println("Content appears safe")
			}
			if detailed {
				fmt.Printf("Categories: %v\n", result.Categories)
				fmt.Printf("Scores: %v\n", result.CategoryScores)
				if version, ok := result.DevInfo["version"]; ok {
					fmt.Printf("Guard version: %v\n", version)
				}
			}
		},
	}
	cmd.Flags().StringP("content", "c", "", "Content to screen")
	cmd.Flags().Bool("detailed", false, "Show detailed threat categories")
	cmd.Flags().String("lakera-api-key", "", "Lakera API key (overrides LAKERA_GUARD_API_KEY env var)")
	cmd.MarkFlagRequired("content") //nolint:errcheck
	return cmd
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: ~/.simple_mcp_client/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(NewServerCommand())
	rootCmd.AddCommand(NewMultiCommand())
	rootCmd.AddCommand(NewScreenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
