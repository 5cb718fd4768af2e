// clawsterctl drives a single deployment target through its lifecycle from
// the command line: one contract call per invocation, which also satisfies
// the per-bot serialization the engine requires of its caller.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/chainguard-dev/clog"
	slogmulti "github.com/samber/slog-multi"

	"github.com/clawster/clawster/internal/awsx"
	"github.com/clawster/clawster/internal/naming"
	"github.com/clawster/clawster/internal/target"
	"github.com/clawster/clawster/internal/target/awsec2"
	"github.com/clawster/clawster/internal/target/ecsec2"
	"github.com/clawster/clawster/internal/target/stack"
)

const usage = `usage: clawsterctl [flags] <command> <profile>

commands:
  install     provision per-bot resources (use -port, -version)
  configure   store config read from stdin as JSON (use -port)
  start       bring the bot to running
  stop        stop the bot
  restart     replace/redeploy the bot
  status      print the lifecycle state
  endpoint    print where the bot is reachable
  logs        print recent log lines (use -lines)
  destroy     tear down every per-bot resource

  cleanup-stack   force-delete the bot's infrastructure stack if a normal
                  destroy left it stuck in DELETE_FAILED
  cleanup-shared  tear down the region's shared network and IAM bundle once
                  no bot instances remain (takes no profile)
`

// boundTarget is the contract plus the profile re-binding every command
// except install/configure needs.
type boundTarget interface {
	target.DeploymentTarget
	Bind(profile string, port int)
}

func main() {
	var (
		kind     = flag.String("target", "aws-ec2", "target kind: aws-ec2 or ecs-ec2")
		region   = flag.String("region", "us-west-2", "AWS region")
		endpoint = flag.String("endpoint", "", "override the AWS endpoint (testing)")
		port     = flag.Int("port", 8080, "bot gateway port")
		version  = flag.String("version", "", "openclaw image version (default latest)")
		domain   = flag.String("domain", "", "custom domain fronting the bot (aws-ec2 only)")
		sshCIDRs = flag.String("ssh-cidrs", "", "comma-separated CIDRs allowed SSH access (aws-ec2 only)")
		lines    = flag.Int("lines", 100, "log lines to fetch")
		debug    = flag.Bool("debug", false, "verbose logging")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	var profile string
	switch {
	case command == "cleanup-shared" && flag.NArg() == 1:
	case command != "cleanup-shared" && flag.NArg() == 2:
		profile = flag.Arg(1)
	default:
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = setupLog(ctx, *debug)

	clients, err := awsx.NewClients(ctx, *region, nil, *endpoint)
	if err != nil {
		log.Fatal(err.Error())
	}

	if command == "cleanup-shared" {
		nm := awsec2.NewNetworkManager(clients.EC2, clients.IAM)
		if err := nm.DeleteSharedInfraIfOrphaned(ctx); err != nil {
			log.Fatal(err.Error())
		}
		return
	}

	if command == "cleanup-stack" {
		svc := stack.NewCleanupService(
			clients.CloudFormation, clients.ECS, clients.AutoScaling,
			naming.Stack(profile), naming.Cluster(profile), naming.AutoScalingGroup(profile),
		)
		if err := svc.ForceDeleteStack(ctx); err != nil {
			log.Fatal(err.Error())
		}
		return
	}

	var tgt boundTarget
	switch *kind {
	case "aws-ec2":
		cfg := awsec2.Config{Region: *region, CustomDomain: *domain}
		if *sshCIDRs != "" {
			cfg.SSHAllowCIDRs = strings.Split(*sshCIDRs, ",")
		}
		tgt = awsec2.NewFromClients(cfg, clients)
	case "ecs-ec2":
		tgt = ecsec2.NewFromClients(ecsec2.Config{Region: *region}, clients)
	default:
		log.Fatalf("unknown target kind %q", *kind)
	}

	if err := run(ctx, tgt, command, profile, *port, *version, *lines); err != nil {
		log.Fatal(err.Error())
	}
}

func run(ctx context.Context, tgt boundTarget, command, profile string, port int, version string, lines int) error {
	if command != "install" && command != "configure" {
		tgt.Bind(profile, port)
	}

	switch command {
	case "install":
		result := tgt.Install(ctx, profile, port, version)
		if !result.Success {
			return fmt.Errorf("install failed: %s", result.Message)
		}
		fmt.Println(result.Message)

	case "configure":
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading config from stdin: %w", err)
		}
		var cfg map[string]any
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
		result := tgt.Configure(ctx, profile, port, nil, cfg)
		if !result.Success {
			return fmt.Errorf("configure failed: %s", result.Message)
		}
		fmt.Printf("%s (restart required: %t)\n", result.Message, result.RequiresRestart)

	case "start":
		return tgt.Start(ctx)
	case "stop":
		return tgt.Stop(ctx)
	case "restart":
		return tgt.Restart(ctx)

	case "status":
		status := tgt.Status(ctx)
		fmt.Println(status.State)
		if status.Error != "" {
			fmt.Println(status.Error)
		}

	case "endpoint":
		ep, err := tgt.Endpoint(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s://%s:%d\n", ep.Protocol, ep.Host, ep.Port)

	case "logs":
		for _, line := range tgt.Logs(ctx, target.LogOptions{Lines: lines}) {
			fmt.Println(line)
		}

	case "destroy":
		return tgt.Destroy(ctx)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}

func setupLog(ctx context.Context, debug bool) context.Context {
	opts := charmlog.Options{ReportTimestamp: true}
	if debug {
		opts.Level = charmlog.DebugLevel
	}
	logger := clog.New(slogmulti.Fanout(charmlog.NewWithOptions(os.Stderr, opts)))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx
}
