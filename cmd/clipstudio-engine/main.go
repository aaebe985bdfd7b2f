package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"clipstudio/engine/internal/appdirs"
	"clipstudio/engine/internal/config"
	"clipstudio/engine/internal/engine"
	"clipstudio/engine/internal/envfile"
	"clipstudio/engine/internal/errinfo"
	"clipstudio/engine/internal/logging"
	"clipstudio/engine/internal/rpc"
)

func main() {
	envResult := envfile.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir, err = appdirs.DataDir()
		if err != nil {
			log.Fatalf("engine init failed: %v", err)
		}
	}
	logSetup, logErr := logging.NewFileLogger(dataDir, cfg.Debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "engine")
	if logSetup.Enabled {
		logger.Info("engine.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("engine.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("engine.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("engine.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		logger.Error("engine.init_failed", "error", err.Error())
		log.Fatalf("engine init failed: %v", err)
	}
	defer eng.Close()

	server := rpc.NewServer(os.Stdin, os.Stdout, logger)
	eng.SetNotifier(server.Notify)

	register := func(method string, fn func(context.Context, json.RawMessage) (any, *errinfo.ErrorInfo)) {
		server.Register(method, func(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
			result, errInfo := fn(ctx, params)
			if errInfo != nil {
				msg := errInfo.ErrorCode
				if errInfo.Detail != "" {
					msg = errInfo.Detail
				}
				return nil, &rpc.Error{Message: msg, Data: errInfo}
			}
			return result, nil
		})
	}

	register("EngineGetInfo", eng.EngineGetInfo)

	register("AssetIngest", eng.AssetIngest)
	register("AssetGetStatus", eng.AssetGetStatus)
	register("AssetRemove", eng.AssetRemove)

	register("BenchmarkGetState", eng.BenchmarkGetState)
	register("BenchmarkSubmitInput", eng.BenchmarkSubmitInput)
	register("BenchmarkSendTurn", eng.BenchmarkSendTurn)
	register("BenchmarkAdvanceToBrief", eng.BenchmarkAdvanceToBrief)
	register("BenchmarkCreateGuide", eng.BenchmarkCreateGuide)
	register("BenchmarkGenerateMedia", eng.BenchmarkGenerateMedia)
	register("BenchmarkReset", eng.BenchmarkReset)

	register("TopicResearch", eng.TopicResearch)
	register("ScriptCompare", eng.ScriptCompare)

	logger.Info("engine.serving", "version", engine.EngineVersion)
	if err := server.Serve(context.Background()); err != nil {
		logger.Error("engine.serve_failed", "error", err.Error())
		os.Exit(1)
	}
}
