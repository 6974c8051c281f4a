package commands

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dotcommander/dispatch/internal/app"
	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/output"
)

// NewStatusCmd creates the status command. Pass the root command so --schema can collect schemas.
// Callers in root.go must call NewStatusCmd(root) after the root command is fully wired.
func NewStatusCmd(root *cobra.Command) *cobra.Command {
	var (
		check      bool
		schemaMode bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dispatch installation status and system overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			if schemaMode {
				return runSchemaMode(root)
			}
			return runDefaultStatus(cmd, check)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Run a storage connectivity check")
	cmd.Flags().BoolVar(&schemaMode, "schema", false, "Show command argument schemas (same as 'schema commands')")

	return cmd
}

func runSchemaMode(root *cobra.Command) error {
	type resp struct {
		Commands []commandArgSchema `json:"commands"`
	}
	schemas := make([]commandArgSchema, 0)
	collectCommandSchemas(root, &schemas)
	return output.PrintSuccess(resp{Commands: schemas})
}

//nolint:funlen // status display collects many independent facts; splitting degrades the linear flow
func runDefaultStatus(cmd *cobra.Command, check bool) error {
	// 1. Resolve where state lives and which backend serves it
	dataDir, dataSource, err := app.ResolveDataDirDetailed()
	if err != nil {
		return cmdErr(err)
	}
	backend, backendSource, err := app.ResolveBackendDetailed()
	if err != nil {
		return cmdErr(err)
	}

	// 2. Build response structure
	type storeInfo struct {
		Backend   string `json:"backend"`
		Source    string `json:"source"`
		DataDir   string `json:"data_dir"`
		DirSource string `json:"data_dir_source"`
		OK        bool   `json:"ok"`
		SizeBytes *int64 `json:"size_bytes,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	type projectStat struct {
		ProjectID string               `json:"project_id"`
		Name      string               `json:"name"`
		Status    models.ProjectStatus `json:"status"`
		Stats     *models.ProjectStats `json:"stats,omitempty"`
	}

	type settingsInfo struct {
		DefaultMaxRetries  int     `json:"default_max_retries"`
		DefaultLease       string  `json:"default_lease"`
		ReaperInterval     string  `json:"reaper_interval"`
		SessionTTL         string  `json:"session_ttl"`
		LockTimeout        string  `json:"lock_timeout"`
		FetchBackoffMin    string  `json:"fetch_backoff_min"`
		FetchBackoffMax    string  `json:"fetch_backoff_max"`
		FetchBackoffFactor float64 `json:"fetch_backoff_factor"`
	}

	type resp struct {
		Store      storeInfo     `json:"store"`
		Settings   settingsInfo  `json:"settings"`
		Projects   []projectStat `json:"projects,omitempty"`
		QueryOK    *bool         `json:"query_ok,omitempty"`
		QueryError string        `json:"query_error,omitempty"`
		Hint       string        `json:"hint,omitempty"`
	}

	bs := app.EffectiveBrokerSettings()
	result := resp{
		Store: storeInfo{
			Backend:   backend,
			Source:    backendSource,
			DataDir:   dataDir,
			DirSource: dataSource,
		},
		Settings: settingsInfo{
			DefaultMaxRetries:  bs.DefaultMaxRetries,
			DefaultLease:       bs.DefaultLease.String(),
			ReaperInterval:     bs.ReaperInterval.String(),
			SessionTTL:         bs.SessionTTL.String(),
			LockTimeout:        bs.LockTimeout.String(),
			FetchBackoffMin:    bs.FetchBackoffMin.String(),
			FetchBackoffMax:    bs.FetchBackoffMax.String(),
			FetchBackoffFactor: bs.FetchBackoffFactor,
		},
	}

	// 3. Try to open the store
	st, closeStore, err := openStore()
	if err != nil {
		result.Store.OK = false
		result.Store.Error = err.Error()
		if check {
			qOK := false
			result.QueryOK = &qOK
			result.QueryError = "store not available"
			result.Hint = "If this is running in a sandboxed environment, set data_dir to a writable location or use --data-dir."
		}
		return output.PrintSuccess(result)
	}

	result.Store.OK = true
	defer closeStore()

	// 4. Report the sqlite file size when that backend is active
	if backend == app.BackendSQLite {
		if stat, err := os.Stat(filepath.Join(dataDir, sqliteFileName)); err == nil {
			size := stat.Size()
			result.Store.SizeBytes = &size
		}
	}

	// 5. Per-project task counts
	ctx := cmd.Context()
	if projects, err := st.ListProjects(ctx, true); err == nil {
		for _, p := range projects {
			ps := projectStat{ProjectID: p.ID, Name: p.Name, Status: p.Status}
			if stats, err := st.ProjectStats(ctx, p.ID); err == nil {
				ps.Stats = stats
			}
			result.Projects = append(result.Projects, ps)
		}
	}

	// 6. Health check (--check): ping the backend
	if check {
		qErr := st.Ping(ctx)
		qOK := qErr == nil
		result.QueryOK = &qOK
		if !qOK {
			result.QueryError = qErr.Error()
		}
	}

	return output.PrintSuccess(result)
}

// Schema helper functions shared by 'status --schema' and 'schema commands'.

type commandArgSchema struct {
	Command     string                 `json:"command"`
	Description string                 `json:"description,omitempty"`
	ArgsSchema  map[string]interface{} `json:"args_schema"`
}

func collectCommandSchemas(cmd *cobra.Command, out *[]commandArgSchema) {
	if cmd.Name() != "" && cmd.Name() != "dispatch" && cmd.Name() != "schema" && !cmd.Hidden {
		*out = append(*out, buildCommandSchema(cmd))
	}

	for _, child := range cmd.Commands() {
		collectCommandSchemas(child, out)
	}
}

func buildCommandSchema(cmd *cobra.Command) commandArgSchema {
	properties := map[string]interface{}{}
	required := make([]string, 0)
	seen := map[string]bool{}

	addFlag := func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		if seen[f.Name] {
			return
		}
		seen[f.Name] = true

		flagSchema := map[string]interface{}{
			"type":        normalizeFlagType(f.Value.Type()),
			"description": f.Usage,
		}

		if f.DefValue != "" {
			flagSchema["default"] = typedFlagDefault(f.Value.Type(), f.DefValue)
		}

		if enumValues := parseEnumValues(f.Usage); len(enumValues) > 0 {
			flagSchema["enum"] = enumValues
		}

		properties[f.Name] = flagSchema

		if isRequiredFlag(f) {
			required = append(required, f.Name)
		}
	}

	cmd.InheritedFlags().VisitAll(addFlag)
	cmd.NonInheritedFlags().VisitAll(addFlag)

	argsSchema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		argsSchema["required"] = required
	}

	return commandArgSchema{
		Command:     cmd.CommandPath(),
		Description: cmd.Short,
		ArgsSchema:  argsSchema,
	}
}

func normalizeFlagType(flagType string) string {
	switch flagType {
	case "int", "int64", "int32", "uint", "uint64", "uint32":
		return "integer"
	case "bool":
		return "boolean"
	case "duration":
		return "string"
	default:
		return "string"
	}
}

func typedFlagDefault(flagType, raw string) interface{} {
	switch flagType {
	case "bool":
		v, err := strconv.ParseBool(raw)
		if err == nil {
			return v
		}
	case "int", "int64", "int32", "uint", "uint64", "uint32":
		v, err := strconv.Atoi(raw)
		if err == nil {
			return v
		}
	}
	return raw
}

func isRequiredFlag(f *pflag.Flag) bool {
	if f.Annotations != nil {
		if vals, ok := f.Annotations[cobra.BashCompOneRequiredFlag]; ok && len(vals) > 0 && vals[0] == "true" {
			return true
		}
	}

	usage := strings.ToLower(strings.TrimSpace(f.Usage))
	return strings.Contains(usage, "(required)")
}

func parseEnumValues(usage string) []string {
	usage = strings.TrimSpace(usage)
	if usage == "" {
		return nil
	}

	if idx := strings.Index(usage, ":"); idx >= 0 {
		cand := strings.TrimSpace(usage[idx+1:])
		if strings.Contains(cand, "|") {
			parts := strings.Split(cand, "|")
			return normalizeEnumParts(parts)
		}
	}

	open := strings.LastIndex(usage, "(")
	close := strings.LastIndex(usage, ")")
	if open >= 0 && close > open {
		cand := usage[open+1 : close]
		if strings.Contains(strings.ToLower(cand), "e.g.") {
			return nil
		}
		if strings.Contains(cand, ",") {
			parts := strings.Split(cand, ",")
			return normalizeEnumParts(parts)
		}
	}

	return nil
}

func normalizeEnumParts(parts []string) []string {
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(p, "[]"))
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, ".") {
			continue
		}
		if strings.Contains(p, " ") {
			continue
		}
		values = append(values, p)
	}
	if len(values) < 2 {
		return nil
	}
	return values
}
