// Package cli provides the main command-line interface for a tokenflow
// node: the orchestrator process that admits, guards, invokes, and
// publishes workflow tokens, plus the operator tool that pushes a rule
// bundle onto a running node.
//
// The package implements:
//   - Flexible configuration via files, environment variables, and
//     command-line flags
//   - Dependency construction and lifecycle management
//   - The token-ingress and rule-install UDP listeners
//   - An optional read-only admin HTTP API
//   - Graceful shutdown with proper resource cleanup
//
// Architecture Overview:
//
//	CLI → Configuration → Dependencies → Orchestrator/Handler → UDP sockets
//	                                    ↓
//	                      monitor/metrics/audit/sink (pure observers)
//
// The node is designed for containerized deployment with 12-factor app
// principles, supporting configuration via environment variables and
// external config files.
package cli

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tokenflow.evalgo.org/adminapi"
	"tokenflow.evalgo.org/audit"
	"tokenflow.evalgo.org/codec"
	"tokenflow.evalgo.org/forkjoin"
	"tokenflow.evalgo.org/invoker"
	"tokenflow.evalgo.org/metrics"
	"tokenflow.evalgo.org/monitor"
	"tokenflow.evalgo.org/orchestrator"
	"tokenflow.evalgo.org/publisher"
	"tokenflow.evalgo.org/ruleengine"
	"tokenflow.evalgo.org/rulehandler"
	"tokenflow.evalgo.org/rulestore"
	"tokenflow.evalgo.org/secrets"
	"tokenflow.evalgo.org/security"
	"tokenflow.evalgo.org/topology"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag.
//
// Configuration File Search Order (when cfgFile is empty):
//  1. $HOME/.tokenflow.yaml
//  2. ./.tokenflow.yaml
//
// Supported Formats: YAML, JSON, TOML, properties (anything Viper reads).
var cfgFile string

// RootCmd is the tokenflow node's entry command. It carries no Run of
// its own; serve and install-rule are its subcommands.
var RootCmd = &cobra.Command{
	Use:   "tokenflow",
	Short: "a decentralized Petri-net-style workflow token router",
	Long: `tokenflow

A node in a decentralized workflow token-routing mesh:
- UDP ingress for tokens and rule-install packets, no central broker
- Rule-gated admission, guarding, invocation, and publishing per node
- Pluggable observability: monitor (AMQP lifecycle events), metrics
  (Redis/in-memory counters), audit (git-hosted rule history), sink
  (CouchDB/Postgres outcome persistence)
- A read-only admin HTTP API for operators

Configuration can be provided via command-line flags, environment
variables, or a YAML configuration file with automatic precedence
handling.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tokenflow.yaml)")
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(installRuleCmd)

	bindServeFlags(serveCmd.Flags())
	bindInstallRuleFlags(installRuleCmd)
}

// initConfig wires Viper's config-file discovery and environment
// variable mapping, mirroring the teacher's cli/root.go precedence
// rules (flags > env > file > defaults).
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tokenflow")
	}

	viper.SetEnvPrefix("TOKENFLOW")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// serveCmd runs a tokenflow node: the orchestrator, its token-ingress
// and rule-install listeners, and (if configured) the admin HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a tokenflow orchestrator node",
	Run:   runServe,
}

func bindServeFlags(flags *pflag.FlagSet) {
	flags.String("service-name", "", "local service name this node hosts")
	flags.Int("channel-index", 0, "channel index for this node's port scheme")
	flags.Bool("remote", false, "bind rule-install listener to 0.0.0.0 and require sender auth")
	flags.String("rule-store-dir", "./data/rulestore", "RuleStore root directory")

	flags.String("monitor-amqp-url", "", "AMQP URL for token-lifecycle events (empty disables monitor)")
	flags.String("redis-url", "", "Redis URL for metrics counters (empty falls back to in-memory)")

	flags.String("secrets-provider", "env", "secrets provider: env or infisical")
	flags.String("secrets-prefix", "TOKENFLOW_", "prefix for the env secrets provider")

	flags.String("audit-backend", "", "rule history audit backend: gitea, gitlab, or empty to disable")
	flags.String("audit-gitea-host", "", "gitea host (audit-backend=gitea)")
	flags.String("audit-gitea-owner", "", "gitea repo owner (audit-backend=gitea)")
	flags.String("audit-gitea-repo", "", "gitea repo name (audit-backend=gitea)")
	flags.String("audit-gitea-branch", "main", "gitea branch (audit-backend=gitea)")
	flags.String("audit-gitlab-host", "", "gitlab host (audit-backend=gitlab)")
	flags.String("audit-gitlab-project-id", "", "gitlab project id (audit-backend=gitlab)")
	flags.String("audit-gitlab-branch", "main", "gitlab branch (audit-backend=gitlab)")

	flags.String("sink-backend", "", "outcome persistence backend: couchdb, postgres, or empty to disable")
	flags.String("sink-couchdb-url", "", "CouchDB server URL (sink-backend=couchdb)")
	flags.String("sink-couchdb-username", "", "CouchDB username (sink-backend=couchdb)")
	flags.String("sink-couchdb-password", "", "CouchDB password (sink-backend=couchdb)")
	flags.String("sink-postgres-dsn", "", "Postgres DSN (sink-backend=postgres)")

	flags.String("admin-listen", "", "admin HTTP API listen address, e.g. :8081 (empty disables it)")
	flags.String("admin-basic-auth-hash", "", "bcrypt hash for the admin API's local-admin fallback")
	flags.String("admin-jwt-secret", "", "HMAC signing key for the admin API's bearer-token auth")

	flags.String("oidc-provider-url", "", "OIDC discovery URL for remote rule-install sender auth")
	flags.String("oidc-client-id", "", "OIDC client id for remote rule-install sender auth")

	bindAll(flags, map[string]string{
		"service-name":            "service_name",
		"channel-index":           "channel_index",
		"remote":                  "remote",
		"rule-store-dir":          "rule_store_dir",
		"monitor-amqp-url":        "monitor_amqp_url",
		"redis-url":               "redis_url",
		"secrets-provider":        "secrets_provider",
		"secrets-prefix":          "secrets_prefix",
		"audit-backend":           "audit_backend",
		"audit-gitea-host":        "audit_gitea_host",
		"audit-gitea-owner":       "audit_gitea_owner",
		"audit-gitea-repo":        "audit_gitea_repo",
		"audit-gitea-branch":      "audit_gitea_branch",
		"audit-gitlab-host":       "audit_gitlab_host",
		"audit-gitlab-project-id": "audit_gitlab_project_id",
		"audit-gitlab-branch":     "audit_gitlab_branch",
		"sink-backend":            "sink_backend",
		"sink-couchdb-url":        "sink_couchdb_url",
		"sink-couchdb-username":   "sink_couchdb_username",
		"sink-couchdb-password":   "sink_couchdb_password",
		"sink-postgres-dsn":       "sink_postgres_dsn",
		"admin-listen":            "admin_listen",
		"admin-basic-auth-hash":   "admin_basic_auth_hash",
		"admin-jwt-secret":        "admin_jwt_secret",
		"oidc-provider-url":       "oidc_provider_url",
		"oidc-client-id":          "oidc_client_id",
	})
}

func bindAll(flags *pflag.FlagSet, keys map[string]string) {
	for flagName, viperKey := range keys {
		_ = viper.BindPFlag(viperKey, flags.Lookup(flagName))
	}
}

// runServe builds every dependency and starts the node. It blocks until
// a termination signal arrives, then shuts down in reverse dependency
// order.
func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDependencies(ctx)
	if err != nil {
		log.Fatalf("tokenflow: failed to build dependencies: %v", err)
	}
	defer cleanup()

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.LocalService = viper.GetString("service_name")
	node := orchestrator.New(orchCfg, deps.orchestratorDeps())
	node.Start(ctx)

	channelIndex := viper.GetInt("channel_index")
	tokenAddr := &net.UDPAddr{IP: net.IPv4zero, Port: publisher.TokenListenerPortBase + channelIndex*publisher.ChannelPortStep}

	go func() {
		if err := node.ListenAndServe(ctx, tokenAddr); err != nil && ctx.Err() == nil {
			log.Printf("tokenflow: token ingress stopped: %v", err)
		}
	}()

	go func() {
		if err := deps.ruleHandler.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			log.Printf("tokenflow: rule-install listener stopped: %v", err)
		}
	}()

	if listenAddr := viper.GetString("admin_listen"); listenAddr != "" {
		adminServer := adminapi.New(adminapi.NewOrchestratorAdapter(node))
		if deps.graph != nil {
			adminapi.WithTopology(adminServer, deps.graph)
		}
		if secret := viper.GetString("admin_jwt_secret"); secret != "" {
			adminapi.WithJWTAuth(adminServer.Echo(), []byte(secret))
		} else if hash := viper.GetString("admin_basic_auth_hash"); hash != "" {
			adminapi.WithBasicAuth(adminServer.Echo(), adminapi.BasicAuthConfig{
				Username:     "admin",
				PasswordHash: hash,
			})
		}
		go func() {
			log.Printf("tokenflow: admin API listening on %s", listenAddr)
			if err := adminServer.Start(listenAddr); err != nil {
				log.Printf("tokenflow: admin API stopped: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Println("tokenflow: shutting down")
	node.Shutdown()
}

// installRuleCmd sends a single rule-install datagram to a running
// node and waits briefly for its commitment ACK. Per the design note
// in DESIGN.md, the node's own ACK is fire-and-forget; this command is
// where client-side retry belongs.
var installRuleCmd = &cobra.Command{
	Use:   "install-rule",
	Short: "push a rule bundle to a running tokenflow node",
	RunE:  runInstallRule,
}

func bindInstallRuleFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("node-addr", "127.0.0.1", "target node IP")
	flags.Int("channel-index", 0, "target node's channel index")
	flags.String("rule-base-version", "", "rule base version to install")
	flags.Bool("commit", true, "commit the version after staging")
	flags.String("service", "", "target service name")
	flags.String("operation", "", "target operation name")
	flags.String("rule-file", "", "path to the .ruleml.xml bundle")
	flags.Int("retries", 3, "client-side ACK retries")
	flags.Duration("ack-timeout", 2*time.Second, "time to wait for an ACK per attempt")

	cmd.MarkFlagRequired("rule-base-version")
	cmd.MarkFlagRequired("service")
	cmd.MarkFlagRequired("operation")
	cmd.MarkFlagRequired("rule-file")
}

func runInstallRule(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	nodeAddr, _ := flags.GetString("node-addr")
	channelIndex, _ := flags.GetInt("channel-index")
	version, _ := flags.GetString("rule-base-version")
	commit, _ := flags.GetBool("commit")
	service, _ := flags.GetString("service")
	operation, _ := flags.GetString("operation")
	ruleFile, _ := flags.GetString("rule-file")
	retries, _ := flags.GetInt("retries")
	ackTimeout, _ := flags.GetDuration("ack-timeout")

	data, err := os.ReadFile(ruleFile)
	if err != nil {
		return fmt.Errorf("install-rule: read rule file: %w", err)
	}

	packet := buildRuleInstallPacket(version, service, operation, commit, data)
	destPort := rulehandler.RuleListenerPortBase + channelIndex*1_000
	dest := &net.UDPAddr{IP: net.ParseIP(nodeAddr), Port: destPort}

	ackListener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rulehandler.LocalACKPort})
	if err != nil {
		return fmt.Errorf("install-rule: listen for ack: %w", err)
	}
	defer ackListener.Close()

	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("install-rule: open socket: %w", err)
	}
	defer sock.Close()

	for attempt := 1; attempt <= retries; attempt++ {
		if _, err := sock.WriteToUDP(packet, dest); err != nil {
			return fmt.Errorf("install-rule: send: %w", err)
		}
		if !commit {
			fmt.Println("install-rule: staged (no commitment requested, no ack expected)")
			return nil
		}

		ackListener.SetReadDeadline(time.Now().Add(ackTimeout))
		buf := make([]byte, 256)
		n, _, err := ackListener.ReadFromUDP(buf)
		if err == nil {
			fmt.Printf("install-rule: %s\n", string(buf[:n]))
			return nil
		}
		fmt.Printf("install-rule: attempt %d/%d timed out, retrying\n", attempt, retries)
	}
	return fmt.Errorf("install-rule: no ack after %d attempts", retries)
}

// dependencies bundles every collaborator a serving node needs, per
// SPEC_FULL.md §11's domain stack. Each optional piece (monitor,
// metrics backend, audit, sink, admin API) degrades to a disabled
// state when unconfigured, rather than failing startup.
type dependencies struct {
	codec       *codec.Codec
	store       *rulestore.Store
	engine      ruleengine.Engine
	joins       *forkjoin.Registry
	inv         *invoker.Invoker
	pub         *publisher.Publisher
	mon         orchestrator.MonitorSink
	counters    metrics.Counters
	secretsP    secrets.Provider
	auditR      audit.Recorder
	graph       *topology.Graph
	ruleHandler *rulehandler.Handler
}

func (d *dependencies) orchestratorDeps() orchestrator.Dependencies {
	return orchestrator.Dependencies{
		Codec:     d.codec,
		Store:     d.store,
		Engine:    d.engine,
		Joins:     d.joins,
		Invoker:   d.inv,
		Publisher: d.pub,
		Monitor:   d.mon,
		Metrics:   d.counters,
	}
}

func buildDependencies(ctx context.Context) (*dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store, err := rulestore.Open(viper.GetString("rule_store_dir"), nil)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open rulestore: %w", err)
	}
	closers = append(closers, func() { store.Close() })

	c := codec.New(codec.DefaultConfig())
	engine := ruleengine.New()
	joins := forkjoin.NewRegistry()
	inv := invoker.New(invoker.NewRegistry())

	resolver := publisher.NewStaticResolver()
	pub, err := publisher.New(publisher.DefaultConfig(), resolver, c)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open publisher: %w", err)
	}
	closers = append(closers, func() { pub.Close() })

	var lifecycleSink orchestrator.MonitorSink
	if amqpURL := viper.GetString("monitor_amqp_url"); amqpURL != "" {
		monCfg := monitor.DefaultConfig()
		monCfg.AMQPURL = amqpURL
		m, err := monitor.New(monCfg)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open monitor: %w", err)
		}
		lifecycleSink = m
		closers = append(closers, func() { m.Close() })
	}

	var outcomeSink orchestrator.MonitorSink
	sinkRecorder, err := openSinkRecorder()
	if err != nil {
		return nil, cleanup, fmt.Errorf("open sink: %w", err)
	}
	if sinkRecorder != nil {
		outcomeSink = sinkMonitorAdapter{recorder: sinkRecorder}
		closers = append(closers, func() { sinkRecorder.Close() })
	}

	mon := combineMonitors(lifecycleSink, outcomeSink)

	counterCfg := metrics.DefaultConfig()
	counterCfg.RedisURL = viper.GetString("redis_url")
	counters, err := metrics.New(ctx, counterCfg)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open metrics: %w", err)
	}
	closers = append(closers, func() { counters.Close() })

	secretsP := secretsProvider(ctx)

	var auditR audit.Recorder
	switch viper.GetString("audit_backend") {
	case "gitea":
		auditR, err = audit.NewGiteaRecorder(audit.GiteaConfig{
			Host:   viper.GetString("audit_gitea_host"),
			Token:  mustSecret(ctx, secretsP, "AUDIT_GITEA_TOKEN"),
			Owner:  viper.GetString("audit_gitea_owner"),
			Repo:   viper.GetString("audit_gitea_repo"),
			Branch: viper.GetString("audit_gitea_branch"),
		})
	case "gitlab":
		auditR, err = audit.NewGitlabRecorder(audit.GitlabConfig{
			Host:      viper.GetString("audit_gitlab_host"),
			Token:     mustSecret(ctx, secretsP, "AUDIT_GITLAB_TOKEN"),
			ProjectID: viper.GetString("audit_gitlab_project_id"),
			Branch:    viper.GetString("audit_gitlab_branch"),
		})
	}
	if err != nil {
		return nil, cleanup, fmt.Errorf("open audit recorder: %w", err)
	}

	graph, err := topology.Open(viper.GetString("rule_store_dir"))
	if err != nil {
		return nil, cleanup, fmt.Errorf("open topology graph: %w", err)
	}
	closers = append(closers, func() { graph.Close() })

	var verifier *security.OIDCProvider
	if viper.GetString("oidc_provider_url") != "" {
		verifier, err = security.NewOIDCProvider(ctx, security.OIDCConfig{
			ProviderURL: viper.GetString("oidc_provider_url"),
			ClientID:    viper.GetString("oidc_client_id"),
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("open oidc verifier: %w", err)
		}
	}

	ruleHandler := rulehandler.New(rulehandler.Config{
		Remote:       viper.GetBool("remote"),
		ChannelIndex: viper.GetInt("channel_index"),
		BasePort:     0,
	}, store, verifier, auditR, graph)

	d := &dependencies{
		codec:       c,
		store:       store,
		engine:      engine,
		joins:       joins,
		inv:         inv,
		pub:         pub,
		mon:         mon,
		counters:    counters,
		secretsP:    secretsP,
		auditR:      auditR,
		graph:       graph,
		ruleHandler: ruleHandler,
	}
	return d, cleanup, nil
}

func secretsProvider(ctx context.Context) secrets.Provider {
	if viper.GetString("secrets_provider") == "infisical" {
		p, err := secrets.NewInfisicalProvider(ctx, secrets.InfisicalConfig{
			Host:         viper.GetString("secrets_infisical_host"),
			ClientID:     viper.GetString("secrets_infisical_client_id"),
			ClientSecret: os.Getenv("TOKENFLOW_INFISICAL_CLIENT_SECRET"),
			ProjectID:    viper.GetString("secrets_infisical_project_id"),
			Environment:  viper.GetString("secrets_infisical_environment"),
		})
		if err == nil {
			return p
		}
		log.Printf("tokenflow: infisical provider unavailable (%v), falling back to env", err)
	}
	return secrets.NewEnvProvider(viper.GetString("secrets_prefix"))
}

// mustSecret looks up key via p, returning an empty string on failure
// rather than aborting startup - a missing audit credential disables
// that push, per the pure-observer principle, rather than the node.
func mustSecret(ctx context.Context, p secrets.Provider, key string) string {
	v, err := p.Get(ctx, key)
	if err != nil {
		return ""
	}
	return v
}
