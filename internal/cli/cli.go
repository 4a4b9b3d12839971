// Package cli implements riskctl, the offline companion to the scoring
// server. It evaluates payloads locally with the same pipeline, inspects
// and validates weight files, and reads a SQLite audit trail.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/sessionguard/internal/assessment"
	"github.com/mbd888/sessionguard/internal/config"
	"github.com/mbd888/sessionguard/internal/logging"
	"github.com/mbd888/sessionguard/internal/risk"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

const (
	formatName  = "format"
	debugName   = "debug"
	weightsName = "weights"
	modeName    = "mode"
	topKName    = "top-k"
	inputName   = "input"
	sessionName = "session"
	dbName      = "db"
	limitName   = "limit"
)

// Flags are built per command tree because cli.Command stores parsed
// values on the flag itself.
func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  formatName,
		Usage: "Output format [json, yaml]",
		Value: formatJSON,
	}
}

func debugFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  debugName,
		Usage: "Prints pipeline stage logs to stderr",
	}
}

func weightsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    weightsName,
		Aliases: []string{"w"},
		Usage:   "YAML weights file (built-in defaults when omitted)",
		Sources: cli.EnvVars("WEIGHTS_FILE"),
	}
}

func modeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  modeName,
		Usage: "Hard rule mode [override, annotate], overrides the weights file",
	}
}

func topKFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  topKName,
		Usage: "Number of weighted reason codes to keep, overrides the weights file",
	}
}

func inputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    inputName,
		Aliases: []string{"i"},
		Usage:   "JSON or YAML payload file, '-' for stdin",
		Value:   "-",
	}
}

func sessionFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  sessionName,
		Usage: "Session ID to record the assessment under",
	}
}

func dbFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  dbName,
		Usage: "SQLite audit database; assessments are recorded when set",
	}
}

func limitFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  limitName,
		Usage: "Maximum number of assessments to list",
		Value: "20",
	}
}

// App wires the riskctl commands to its input and output streams.
type App struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// New creates an App reading payloads from in and writing results to out.
func New(in io.Reader, out, errOut io.Writer) *App {
	return &App{in: in, out: out, errOut: errOut}
}

// Command builds the riskctl command tree.
func (a *App) Command(version string) *cli.Command {
	return &cli.Command{
		Name:      "riskctl",
		Usage:     "Score sessions and manage risk weights offline",
		Version:   version,
		Writer:    a.out,
		ErrWriter: a.errOut,

		// Exit codes are resolved by the caller through ExitCode.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},

		Flags: []cli.Flag{
			formatFlag(),
			debugFlag(),
		},
		Commands: []*cli.Command{
			{
				Name:   "score",
				Usage:  "Evaluate a payload and print the result",
				Flags:  []cli.Flag{inputFlag(), weightsFlag(), modeFlag(), topKFlag(), sessionFlag(), dbFlag()},
				Action: a.cmdScore,
			},
			{
				Name:   "features",
				Usage:  "Print the feature vector and weighted contributions for a payload",
				Flags:  []cli.Flag{inputFlag(), weightsFlag(), modeFlag(), topKFlag()},
				Action: a.cmdFeatures,
			},
			{
				Name:  "weights",
				Usage: "Inspect weight configurations",
				Commands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Print the effective weights as a loadable YAML document",
						Flags:  []cli.Flag{weightsFlag(), modeFlag(), topKFlag()},
						Action: a.cmdWeightsShow,
					},
					{
						Name:      "validate",
						Usage:     "Check a weights file without starting the server",
						ArgsUsage: "<file>",
						Action:    a.cmdWeightsValidate,
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List recorded assessments for a session from a SQLite audit database",
				Flags:  []cli.Flag{dbFlag(), sessionFlag(), limitFlag()},
				Action: a.cmdHistory,
			},
		},
	}
}

// Run executes riskctl with args (including the program name).
func (a *App) Run(ctx context.Context, version string, args []string) error {
	return a.Command(version).Run(ctx, args)
}

func (a *App) logger(cmd *cli.Command) *slog.Logger {
	level := "warn"
	if cmd.Bool(debugName) {
		level = "debug"
	}
	return logging.NewWithWriter(a.errOut, level, "text")
}

// pipeline builds the evaluation pipeline from the weights file and the
// per-invocation overrides.
func (a *App) pipeline(cmd *cli.Command) (*risk.Pipeline, error) {
	opts := []risk.Option{risk.WithSink(assessment.NewLogSink(a.logger(cmd)))}

	if path := cmd.String(weightsName); path != "" {
		wf, err := config.LoadWeightsFile(path)
		if err != nil {
			return nil, err
		}
		fileOpts, err := wf.PipelineOptions()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		opts = append(opts, fileOpts...)
	}

	if m := cmd.String(modeName); m != "" {
		mode, err := risk.ParseHardRuleMode(m)
		if err != nil {
			return nil, err
		}
		opts = append(opts, risk.WithHardRuleMode(mode))
	}

	if k := cmd.String(topKName); k != "" {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("--top-k: %w", err)
		}
		opts = append(opts, risk.WithTopK(n))
	}

	return risk.NewPipeline(opts...)
}

// readInput decodes a payload. JSON is a subset of YAML, so both parse.
func (a *App) readInput(cmd *cli.Command) (risk.ScoreInput, error) {
	var (
		data []byte
		err  error
	)
	if path := cmd.String(inputName); path == "-" || path == "" {
		data, err = io.ReadAll(a.in)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return risk.ScoreInput{}, fmt.Errorf("read input: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return risk.ScoreInput{}, fmt.Errorf("parse input: %w", err)
	}

	// Accept {"payload": {...}} as sent to POST /v1/score.
	if p, ok := doc["payload"].(map[string]any); ok {
		doc = p
	}

	// Round-trip through JSON so ScoreInput's field names apply.
	raw, err := json.Marshal(doc)
	if err != nil {
		return risk.ScoreInput{}, fmt.Errorf("parse input: %w", err)
	}
	var in risk.ScoreInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return risk.ScoreInput{}, fmt.Errorf("parse input: %w", err)
	}
	return in, nil
}

func (a *App) encode(cmd *cli.Command, v any) error {
	if f := strings.ToLower(cmd.String(formatName)); f == formatYAML || f == "yml" {
		// Go through JSON so the output keeps the API's field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(a.out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	e := json.NewEncoder(a.out)
	e.SetIndent("", "  ")
	return e.Encode(v)
}

func (a *App) cmdScore(ctx context.Context, cmd *cli.Command) error {
	p, err := a.pipeline(cmd)
	if err != nil {
		return err
	}
	in, err := a.readInput(cmd)
	if err != nil {
		return err
	}

	dbPath := cmd.String(dbName)
	if dbPath == "" {
		return a.encode(cmd, p.Evaluate(in))
	}

	store, closeDB, err := openAudit(ctx, dbPath)
	if err != nil {
		return err
	}
	defer closeDB()

	svc := assessment.NewService(p, store, a.logger(cmd))
	rec, err := svc.Score(ctx, assessment.ScoreRequest{SessionID: cmd.String(sessionName), Payload: in})
	if err != nil {
		return err
	}
	return a.encode(cmd, rec)
}

type featureRow struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

func (a *App) cmdFeatures(ctx context.Context, cmd *cli.Command) error {
	p, err := a.pipeline(cmd)
	if err != nil {
		return err
	}
	in, err := a.readInput(cmd)
	if err != nil {
		return err
	}

	exp := p.Explain(in, nil)
	w := p.Weights()

	names := make([]string, 0, len(exp.Features))
	for name := range exp.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	contrib := make(map[string]float64, len(exp.Contributions))
	for _, c := range exp.Contributions {
		contrib[c.Feature] = c.Value
	}

	rows := make([]featureRow, 0, len(names))
	for _, name := range names {
		weight, _ := w.Weight(name)
		rows = append(rows, featureRow{
			Feature:      name,
		Value:        exp.Features[name],
			Weight:       weight,
			Contribution: contrib[name],
		})
	}

	return a.encode(cmd, map[string]any{
		"features":  rows,
		"raw_score": exp.RawScore,
		"bound":     exp.Bound,
		"score":     exp.Result.Score,
		"status":    exp.Result.Status,
	})
}

func (a *App) cmdWeightsShow(ctx context.Context, cmd *cli.Command) error {
	p, err := a.pipeline(cmd)
	if err != nil {
		return err
	}
	doc, err := config.EncodeWeights(p.Weights(), p.Mode(), p.TopK())
	if err != nil {
		return err
	}
	_, err = a.out.Write(doc)
	return err
}

func (a *App) cmdWeightsValidate(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return cli.Exit("usage: riskctl weights validate <file>", 2)
	}
	path := cmd.Args().First()

	wf, err := config.LoadWeightsFile(path)
	if err != nil {
		return err
	}
	opts, err := wf.PipelineOptions()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	p, err := risk.NewPipeline(opts...)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var unknown []string
	for _, name := range p.Weights().Names() {
		if !risk.IsCatalogued(name) {
			unknown = append(unknown, name)
		}
	}

	_, err = fmt.Fprintf(a.out, "%s: ok (version %s, %d weights, %d rules, mode %s, top_k %d, bound %.2f)\n",
		path, p.Weights().Version(), p.Weights().Len(), len(p.Rules()), p.Mode(), p.TopK(), p.Weights().MaxAbsWeight())
	if err != nil {
		return err
	}
	if len(unknown) > 0 {
		_, err = fmt.Fprintf(a.out, "warning: weights for features the extractor never produces: %s\n", strings.Join(unknown, ", "))
	}
	return err
}

func (a *App) cmdHistory(ctx context.Context, cmd *cli.Command) error {
	dbPath := cmd.String(dbName)
	sessionID := cmd.String(sessionName)
	if dbPath == "" || sessionID == "" {
		return cli.Exit("history requires --db and --session", 2)
	}
	limit, err := strconv.Atoi(cmd.String(limitName))
	if err != nil || limit <= 0 {
		return fmt.Errorf("--limit must be a positive integer")
	}

	store, closeDB, err := openAudit(ctx, dbPath)
	if err != nil {
		return err
	}
	defer closeDB()

	list, err := store.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*assessment.Assessment{}
	}
	return a.encode(cmd, list)
}

func openAudit(ctx context.Context, path string) (*assessment.SQLiteStore, func(), error) {
	db, err := assessment.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	store := assessment.NewSQLiteStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return store, func() { _ = db.Close() }, nil
}

// ExitCode maps an error returned by Run to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 1
}
