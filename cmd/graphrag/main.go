// Command graphrag is a thin CLI over the engine: ingest files, ask
// questions, back up and restore.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"graphrag"
	"graphrag/internal/config"
	"graphrag/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to graphrag.yaml")
	mode := flag.String("mode", "local", "query mode: local|global|naive")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage:
  graphrag [flags] ingest <file>...
  graphrag [flags] query <question>
  graphrag [flags] backup <id>
  graphrag [flags] restore <id-or-path>
flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observability.Setup(cfg.LogLevel, cfg.LogFile)

	ctx := context.Background()
	engine, err := graphrag.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("engine init failed")
	}
	defer engine.Close(ctx)

	switch args[0] {
	case "ingest":
		docs := make([]string, 0, len(args)-1)
		for _, path := range args[1:] {
			raw, err := os.ReadFile(path)
			if err != nil {
				log.Fatal().Err(err).Str("file", path).Msg("cannot read document")
			}
			docs = append(docs, string(raw))
		}
		report, err := engine.Insert(ctx, docs...)
		if err != nil {
			log.Fatal().Err(err).Msg("ingest failed")
		}
		fmt.Printf("ingested %d/%d new documents, %d chunks, %d failures\n",
			report.DocsOK, report.DocsNew, report.ChunksNew, len(report.Failures))
	case "query":
		answer, err := engine.Query(ctx, args[1], map[string]any{"mode": *mode})
		if err != nil {
			log.Fatal().Err(err).Msg("query failed")
		}
		fmt.Println(answer)
	case "backup":
		path, err := engine.Backup(ctx, args[1])
		if err != nil {
			log.Fatal().Err(err).Msg("backup failed")
		}
		fmt.Println(path)
	case "restore":
		if err := engine.Restore(ctx, args[1]); err != nil {
			log.Fatal().Err(err).Msg("restore failed")
		}
		fmt.Println("restored")
	default:
		flag.Usage()
		os.Exit(2)
	}
}
