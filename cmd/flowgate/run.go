package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/api"
	"github.com/BaSui01/flowgate/catalog"
	"github.com/BaSui01/flowgate/config"
	"github.com/BaSui01/flowgate/workflow"
)

// =============================================================================
// ▶️ run / resume 命令
// =============================================================================
// 在本进程内执行一个图定义文件。使用 bolt / redis / database 存储时，
// 挂起的实例可以由后续的 resume 命令继续执行。

// instanceFlags run 与 resume 共用的参数
type instanceFlags struct {
	configPath string
	graphPath  string
	instanceID string
	data       string
	timeout    time.Duration
}

func (f *instanceFlags) bind(fs *flag.FlagSet, dataName, dataUsage string) {
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.graphPath, "graph", "", "Path to graph definition file (yaml or json)")
	fs.StringVar(&f.instanceID, "instance", "", "Process instance ID")
	fs.StringVar(&f.data, dataName, "", dataUsage)
	fs.DurationVar(&f.timeout, "timeout", time.Minute, "Execution timeout")
}

func runInstance(args []string) {
	var flags instanceFlags
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	flags.bind(fs, "vars", "Initial variables as a JSON object")
	_ = fs.Parse(args)

	if flags.instanceID == "" {
		flags.instanceID = uuid.NewString()
	}

	err := withGraphRuntime(flags, func(ctx context.Context, rt *runtime, graphID string, data map[string]any) (workflow.Outcome, error) {
		return rt.engine.Run(ctx, workflow.RunRequest{
			GraphID:           graphID,
			ProcessInstanceID: flags.instanceID,
			Variables:         data,
		})
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		os.Exit(1)
	}
}

func runResume(args []string) {
	var flags instanceFlags
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	flags.bind(fs, "payload", "Resume payload as a JSON object")
	target := fs.String("target", "", "Activity holding the suspended branch")
	_ = fs.Parse(args)

	if flags.instanceID == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "resume requires --instance and --target")
		os.Exit(1)
	}

	err := withGraphRuntime(flags, func(ctx context.Context, rt *runtime, _ string, data map[string]any) (workflow.Outcome, error) {
		return rt.engine.Resume(ctx, workflow.ResumeRequest{
			ProcessInstanceID: flags.instanceID,
			TargetActivityID:  *target,
			Payload:           data,
		})
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Resume failed: %v\n", err)
		os.Exit(1)
	}
}

type instanceAction func(ctx context.Context, rt *runtime, graphID string, data map[string]any) (workflow.Outcome, error)

// withGraphRuntime 组装运行时、注册图定义文件、执行 action 并打印结果
func withGraphRuntime(flags instanceFlags, action instanceAction) (err error) {
	if flags.graphPath == "" {
		return fmt.Errorf("--graph is required")
	}
	data, err := parseJSONObject(flags.data)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	rt, err := buildRuntime(ctx, cfg, logger, runtimeOptions{skipGraphDir: true})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(context.Background()); closeErr != nil {
			logger.Warn("runtime close failed", zap.Error(closeErr))
		}
	}()

	g, err := catalog.LoadFile(rt.engine, flags.graphPath)
	if err != nil {
		return err
	}

	out, err := action(ctx, rt, g.ID(), data)
	if err != nil {
		return err
	}
	tokens, err := rt.engine.ActiveTokens(ctx, flags.instanceID)
	if err != nil {
		return err
	}
	return printResult(os.Stdout, flags.instanceID, out, tokens)
}

// runResult run / resume 命令的输出
type runResult struct {
	api.OutcomeResponse
	Tokens []api.TokenView `json:"tokens"`
}

func printResult(w io.Writer, instanceID string, out workflow.Outcome, tokens []*workflow.Token) error {
	res := runResult{
		OutcomeResponse: api.OutcomeResponse{
			ProcessInstanceID: instanceID,
			Status:            out.Status.String(),
			ActivityID:        out.ActivityID,
		},
		Tokens: make([]api.TokenView, 0, len(tokens)),
	}
	for _, t := range tokens {
		res.Tokens = append(res.Tokens, api.TokenViewOf(t))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// parseJSONObject 解析命令行传入的 JSON 对象，空串返回 nil
func parseJSONObject(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return m, nil
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
