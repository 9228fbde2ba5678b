package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"datameta/internal/app"
	"datameta/internal/config"
	"datameta/internal/datatier"
	"datameta/internal/db"
	"datameta/internal/engine"
	"datameta/internal/metadata"
	"datameta/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dm",
	Short: "Data tier metadata CLI",
	Long: `dm keeps dataset and version metadata as append-only annotation logs.
- Dataset: identity plus labels. Labels never become schema properties.
- Version: field descriptors and service executions; its JSON schema is derived from the log.
- Travelling metadata: a snapshot of a version carried to another system and imported back.
- Event log: every stored change, view with 'dm log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DATAMETA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(datasetCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(travelCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage datameta.yml",
		Long:  "datameta.yml sets the schema dialect and id written into derived schemas, the API listen address and logging.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default datameta.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate datameta.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- dataset ---

func datasetCmd() *cobra.Command {
	ds := &cobra.Command{Use: "dataset", Short: "Manage dataset-level metadata"}
	ds.AddCommand(datasetCreateCmd())
	ds.AddCommand(datasetListCmd())
	ds.AddCommand(datasetShowCmd())
	ds.AddCommand(datasetUpdateCmd())
	ds.AddCommand(datasetLabelsCmd())
	return ds
}

func datasetCreateCmd() *cobra.Command {
	var opts engine.DatasetCreateOptions
	var labels, inactive []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := labelSpecs(labels, inactive)
			if err != nil {
				return err
			}
			opts.Labels = specs
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.CreateDataset(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "dataset id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "dataset name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.CreatedBy, "created-by", "", "creator (defaults to --actor-id)")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "label as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&inactive, "inactive-label", nil, "inactive label as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func datasetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListDatasets(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Versions", "Updated"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Name, d.Versions, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func datasetShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <dataset-id>",
		Short: "Show dataset metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.Dataset(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
}

func datasetUpdateCmd() *cobra.Command {
	var pf paramFlags
	cmd := &cobra.Command{
		Use:   "update <dataset-id>",
		Short: "Update description and labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.params(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.UpdateDataset(ctx, args[0], p, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	pf.bind(cmd, true)
	return cmd
}

func datasetLabelsCmd() *cobra.Command {
	var active string
	cmd := &cobra.Command{
		Use:   "labels <dataset-id>",
		Short: "Most recent label per key, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := metadata.AllLabels
			switch active {
			case "":
			case "true":
				filter = metadata.ActiveLabels
			case "false":
				filter = metadata.InactiveLabels
			default:
				return fmt.Errorf("--active must be true or false")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				labels, err := e.Labels(ctx, args[0], filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					specs := make([]metadata.LabelSpec, 0, len(labels))
					for _, l := range labels {
						specs = append(specs, l.Spec())
					}
					return printJSON(specs)
				}
				tw := newTable(table.Row{"Label", "Value", "Active", "Created"})
				for _, l := range labels {
					tw.AppendRow(table.Row{l.Label, l.Value, l.Active, l.CreatedAt().UTC().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&active, "active", "", "filter on the active flag (true|false)")
	return cmd
}

// --- version ---

func versionCmd() *cobra.Command {
	v := &cobra.Command{Use: "version", Short: "Manage version-level metadata"}
	v.AddCommand(versionCreateCmd())
	v.AddCommand(versionListCmd())
	v.AddCommand(versionShowCmd())
	v.AddCommand(versionUpdateCmd())
	v.AddCommand(versionSchemaCmd())
	v.AddCommand(versionServicesCmd())
	return v
}

func versionCreateCmd() *cobra.Command {
	var pf paramFlags
	var version int
	cmd := &cobra.Command{
		Use:   "create <dataset-id>",
		Short: "Create a version (next number when --version is 0)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.params(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, schema, err := e.CreateVersion(ctx, args[0], version, p, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"document": doc, "schema": schema})
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version number")
	pf.bind(cmd, false)
	return cmd
}

func versionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <dataset-id>",
		Short: "List versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVersions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Version", "Created", "Updated"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.Version, v.CreatedAt, v.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func versionShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <dataset-id>",
		Short: "Show version metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.Version(ctx, args[0], version)
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "version number")
	return cmd
}

func versionUpdateCmd() *cobra.Command {
	var pf paramFlags
	var version int
	cmd := &cobra.Command{
		Use:   "update <dataset-id>",
		Short: "Update description and annotations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := pf.params(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, schema, err := e.UpdateVersion(ctx, args[0], version, p, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"document": doc, "schema": schema})
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "version number")
	pf.bind(cmd, false)
	return cmd
}

func versionSchemaCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "schema <dataset-id>",
		Short: "Derive the JSON schema of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				schema, err := e.VersionSchema(ctx, args[0], version)
				if err != nil {
					return err
				}
				return printJSON(schema)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "version number")
	return cmd
}

func versionServicesCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "services <dataset-id>",
		Short: "List service executions recorded on a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.Version(ctx, args[0], version)
				if err != nil {
					return err
				}
				m, err := metadata.FromDocument(doc)
				if err != nil {
					return err
				}
				var runs []*metadata.ServiceExecution
				for _, a := range m.Annotations() {
					if s, ok := a.(*metadata.ServiceExecution); ok {
						runs = append(runs, s)
					}
				}
				if viper.GetBool("json") {
					out := make([]metadata.Record, 0, len(runs))
					for _, s := range runs {
						out = append(out, s.Record())
					}
					return printJSON(out)
				}
				tw := newTable(table.Row{"Service", "Version", "User", "Ref", "Parameters"})
				for _, s := range runs {
					params, err := s.ParametersYAML()
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{s.Service.Name, s.Service.Version, s.Service.User, s.Service.Ref, strings.TrimSpace(params)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "version number")
	return cmd
}

// --- travel ---

func travelCmd() *cobra.Command {
	tr := &cobra.Command{
		Use:   "travel",
		Short: "Move travelling metadata between systems",
		Long:  "export writes a version snapshot, patch edits it in transit, import stores it back as a new version.",
	}
	tr.AddCommand(travelExportCmd())
	tr.AddCommand(travelImportCmd())
	tr.AddCommand(travelPatchCmd())
	return tr
}

func travelExportCmd() *cobra.Command {
	var version int
	var out string
	cmd := &cobra.Command{
		Use:   "export <dataset-id>",
		Short: "Export travelling metadata for a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, _, err := e.ExportTravelling(ctx, args[0], version, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return writeDocument(out, doc)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "version number")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func travelImportCmd() *cobra.Command {
	var file string
	var version int
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import travelling metadata as a new version",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ImportTravelling(ctx, doc, version, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("imported %s version %d (labels changed: %t)\n", res.Version.DatasetID, res.Version.DatasetVersion, res.LabelsChanged)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "travelling metadata JSON")
	cmd.Flags().IntVar(&version, "version", 0, "version number (next when 0)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func travelPatchCmd() *cobra.Command {
	var pf paramFlags
	var file, out string
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Patch travelling metadata in transit",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(file)
			if err != nil {
				return err
			}
			p, err := pf.params(cmd)
			if err != nil {
				return err
			}
			// Patching needs no store; the engine only supplies clock and schema ids.
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			e := engine.Engine{Config: cfg}
			patched, _, err := e.PatchTravelling(doc, p)
			if err != nil {
				return err
			}
			if out == "" {
				out = file
			}
			return writeDocument(out, patched)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "travelling metadata JSON")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (defaults to --file, - for stdout)")
	_ = cmd.MarkFlagRequired("file")
	pf.bind(cmd, true)
	return cmd
}

// --- log / serve ---

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, datasetID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, n, datasetID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Dataset", "Version", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.DatasetID, evt.Version, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&datasetID, "dataset", "", "dataset id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			if addr == "" {
				addr = ws.Config.Server.Addr
			}
			if basePath == "" {
				basePath = ws.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Log: ws.Log})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			ws.Log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving data tier API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

// paramFlags binds the optional update parameters to a command.
type paramFlags struct {
	description string
	labels      []string
	inactive    []string
	annotations string
}

func (f *paramFlags) bind(cmd *cobra.Command, withLabels bool) {
	cmd.Flags().StringVar(&f.description, "description", "", "new description")
	cmd.Flags().StringVar(&f.annotations, "annotations", "", "JSON file holding one annotation record or an array of them")
	if withLabels {
		cmd.Flags().StringArrayVar(&f.labels, "label", nil, "label as key=value (repeatable)")
		cmd.Flags().StringArrayVar(&f.inactive, "inactive-label", nil, "inactive label as key=value (repeatable)")
	}
}

func (f *paramFlags) params(cmd *cobra.Command) (datatier.Params, error) {
	var p datatier.Params
	if cmd.Flags().Changed("description") {
		desc := f.description
		p.Description = &desc
	}
	specs, err := labelSpecs(f.labels, f.inactive)
	if err != nil {
		return p, err
	}
	p.Labels = specs
	if f.annotations != "" {
		raw, err := os.ReadFile(f.annotations)
		if err != nil {
			return p, err
		}
		if p.Annotations, err = metadata.DecodeRecords(raw); err != nil {
			return p, err
		}
	}
	return p, nil
}

func labelSpecs(active, inactive []string) ([]metadata.LabelSpec, error) {
	var out []metadata.LabelSpec
	add := func(raw string, on bool) error {
		key, value, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			return fmt.Errorf("label %q must be key=value", raw)
		}
		flag := on
		out = append(out, metadata.LabelSpec{Label: key, Value: value, Active: &flag})
		return nil
	}
	for _, l := range active {
		if err := add(l, true); err != nil {
			return nil, err
		}
	}
	for _, l := range inactive {
		if err := add(l, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readDocument(path string) (metadata.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return metadata.Document{}, err
	}
	return metadata.ParseDocument(raw)
}

func writeDocument(path string, doc metadata.Document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if path == "" || path == "-" {
		fmt.Println(string(b))
		return nil
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
