package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dmreyes/agentfund/internal/balance"
	"github.com/dmreyes/agentfund/internal/bridge"
	"github.com/dmreyes/agentfund/internal/cache"
	"github.com/dmreyes/agentfund/internal/chain"
	"github.com/dmreyes/agentfund/internal/config"
	clierr "github.com/dmreyes/agentfund/internal/errors"
	"github.com/dmreyes/agentfund/internal/flowstore"
	"github.com/dmreyes/agentfund/internal/fund"
	"github.com/dmreyes/agentfund/internal/id"
	"github.com/dmreyes/agentfund/internal/migrate"
	"github.com/dmreyes/agentfund/internal/model"
	"github.com/dmreyes/agentfund/internal/mw"
	"github.com/dmreyes/agentfund/internal/onramp"
	"github.com/dmreyes/agentfund/internal/out"
	"github.com/dmreyes/agentfund/internal/policy"
	"github.com/dmreyes/agentfund/internal/scheduler"
	"github.com/dmreyes/agentfund/internal/schema"
	"github.com/dmreyes/agentfund/internal/staking"
	"github.com/dmreyes/agentfund/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	cache         *cache.Store
	flows         *flowstore.Store
	root          *cobra.Command
	logger        *zap.Logger
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool

	middleware    *mw.Client
	aggregator    *balance.Aggregator
	bridges       *bridge.Orchestrator
	onramps       *onramp.Orchestrator
	providerInfos []model.ProviderInfo
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: zap.NewNop()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err == nil {
		state.closeStores()
		return 0
	}

	state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	state.closeStores()
	return clierr.ExitCode(err)
}

func (s *runtimeState) closeStores() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.flows != nil {
		_ = s.flows.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Cross-chain fund orchestration for autonomous agent services",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.logger = newLogger(settings.Verbose)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			if s.middleware == nil {
				s.middleware = mw.NewClient(settings.MiddlewareURL, settings.Timeout, settings.Retries)
			}
			if s.providerInfos == nil {
				s.providerInfos = providerInfos()
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			if shouldOpenFlows(path) && s.flows == nil {
				flows, err := flowstore.Open(settings.FlowStorePath, settings.FlowLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open flow store", err)
				}
				s.flows = flows
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.Strict, "strict", false, "Fail on partial results")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per RPC/middleware request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().BoolVar(&s.flags.Verbose, "verbose", false, "Log internal progress to stderr")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newBalancesCommand())
	cmd.AddCommand(s.newRequirementsCommand())
	cmd.AddCommand(s.newBridgeCommand())
	cmd.AddCommand(s.newOnRampCommand())
	cmd.AddCommand(s.newStakingCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List chain RPC endpoints and the middleware surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.providerInfos, nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(list)
	return root
}

func providerInfos() []model.ProviderInfo {
	infos := []model.ProviderInfo{{
		Name:         "middleware",
		Type:         "rest",
		RequiresKey:  false,
		Capabilities: []string{"bridge", "onramp", "safe", "service"},
	}}
	for _, c := range id.Chains() {
		infos = append(infos, model.ProviderInfo{
			Name:         "rpc:" + c.Slug,
			Type:         "json-rpc",
			RequiresKey:  false,
			Capabilities: []string{"balances", "staking"},
		})
	}
	return infos
}

func (s *runtimeState) newBalancesCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Aggregate wallet, bond/deposit and reward balances across chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			if watch {
				return s.watchBalances(cmd.Context())
			}
			req := map[string]any{"home": s.settings.HomeChainID, "wallets": s.settings.Wallets}
			key := cacheKey(path, req)
			return s.runCachedCommand(path, key, 15*time.Second, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				aggregator, err := s.ensureAggregator()
				if err != nil {
					return nil, nil, nil, false, err
				}
				start := time.Now()
				snapshot := aggregator.Refresh(ctx)
				statuses := chainStatuses(snapshot, time.Since(start))
				return aggregator.View(snapshot), statuses, nil, snapshot.Partial, nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep refreshing at the poll interval and stream snapshots")
	return cmd
}

// watchBalances streams a snapshot per poll interval until interrupted. The
// cache is bypassed: a watcher wants live reads.
func (s *runtimeState) watchBalances(ctx context.Context) error {
	aggregator, err := s.ensureAggregator()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	emit := func(ctx context.Context) {
		snapshot := aggregator.Refresh(ctx)
		_ = s.emitSuccess("balances", aggregator.View(snapshot), nil, cacheMetaBypass(), nil, snapshot.Partial)
	}
	poller := scheduler.New(s.settings.PollInterval, emit)
	poller.Tick(ctx)
	poller.Start(ctx)
	defer poller.Stop()

	<-ctx.Done()
	return nil
}

func (s *runtimeState) newRequirementsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requirements",
		Short: "Compute refill requirements against the configured funding targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			req := map[string]any{"targets": s.settings.FundingTargets, "home": s.settings.HomeChainID}
			key := cacheKey(path, req)
			return s.runCachedCommand(path, key, 15*time.Second, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				start := time.Now()
				intents, err := s.computeRequirements(ctx)
				status := []model.ProviderStatus{{Name: "middleware", Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
				if err != nil {
					return nil, status, nil, false, err
				}
				return fund.View(intents), status, nil, false, nil
			})
		},
	}
	return cmd
}

func (s *runtimeState) newBridgeCommand() *cobra.Command {
	root := &cobra.Command{Use: "bridge", Short: "Bridge master-wallet funds between chains"}

	var fromArg, toArg, tokenArg, recipientArg string
	var amountBase, amountDecimal string
	var force bool
	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote a bridge batch (defaults to the current refill requirements)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			requests, err := s.bridgeRequestsFromFlags(ctx, fromArg, toArg, tokenArg, recipientArg, amountBase, amountDecimal)
			if err != nil {
				return err
			}
			orchestrator, err := s.ensureBridge()
			if err != nil {
				return err
			}
			batch, err := orchestrator.Quote(ctx, requests, force)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), bridge.View(batch), nil, cacheMetaBypass(), nil, false)
		},
	}
	quoteCmd.Flags().StringVar(&fromArg, "from-chain", "", "Source chain (defaults to the home chain)")
	quoteCmd.Flags().StringVar(&toArg, "to-chain", "", "Destination chain (omit to quote the refill requirements)")
	quoteCmd.Flags().StringVar(&tokenArg, "token", "", "Destination token symbol or address")
	quoteCmd.Flags().StringVar(&recipientArg, "recipient", "", "Destination address (defaults to the master EOA)")
	quoteCmd.Flags().StringVar(&amountBase, "amount", "", "Amount in base units")
	quoteCmd.Flags().StringVar(&amountDecimal, "amount-decimal", "", "Amount in decimal form like 1.5")
	quoteCmd.Flags().BoolVar(&force, "force", false, "Bypass the quote cache and re-quote routes")

	var executeBatch string
	var wait time.Duration
	executeCmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a quoted batch and poll until settled or the wait expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()

			orchestrator, err := s.ensureBridge()
			if err != nil {
				return err
			}
			batch, err := orchestrator.Execute(ctx, executeBatch)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), bridge.View(batch), nil, cacheMetaBypass(), nil, false)
		},
	}
	executeCmd.Flags().StringVar(&executeBatch, "batch", "", "Batch ID from bridge quote")
	executeCmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to poll for settlement before reporting pending")
	_ = executeCmd.MarkFlagRequired("batch")

	var statusBatch string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report a batch's per-leg status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			orchestrator, err := s.ensureBridge()
			if err != nil {
				return err
			}
			batch, err := orchestrator.Status(ctx, statusBatch)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), bridge.View(batch), nil, cacheMetaBypass(), nil, false)
		},
	}
	statusCmd.Flags().StringVar(&statusBatch, "batch", "", "Batch ID")
	_ = statusCmd.MarkFlagRequired("batch")

	var resumeBatch string
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume tracking an interrupted batch, trusting destination-chain balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			orchestrator, err := s.ensureBridge()
			if err != nil {
				return err
			}
			batch, err := orchestrator.Resume(ctx, resumeBatch)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), bridge.View(batch), nil, cacheMetaBypass(), nil, false)
		},
	}
	resumeCmd.Flags().StringVar(&resumeBatch, "batch", "", "Batch ID")
	_ = resumeCmd.MarkFlagRequired("batch")

	root.AddCommand(quoteCmd)
	root.AddCommand(executeCmd)
	root.AddCommand(statusCmd)
	root.AddCommand(resumeCmd)
	return root
}

func (s *runtimeState) newOnRampCommand() *cobra.Command {
	root := &cobra.Command{Use: "onramp", Short: "On-ramp flows: buy, swap, create safe, transfer"}

	var chainArg, destArg, eoaArg string
	var deposit bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Open an on-ramp session covering the current refill requirements",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			onrampChain, err := id.ParseChain(chainArg)
			if err != nil {
				return err
			}
			dest := onrampChain
			if strings.TrimSpace(destArg) != "" {
				dest, err = id.ParseChain(destArg)
				if err != nil {
					return err
				}
			}
			eoa := eoaArg
			if eoa == "" {
				eoa, err = s.masterEOA(ctx)
				if err != nil {
					return err
				}
			}

			intents, err := s.computeRequirements(ctx)
			if err != nil {
				return err
			}
			requests, err := bridgeRequestsFromIntents(intents)
			if err != nil {
				return err
			}

			orchestrator, err := s.ensureOnRamp()
			if err != nil {
				return err
			}
			session, err := orchestrator.Start(ctx, onramp.StartParams{
				OnRampChain: onrampChain.Slug,
				DestChain:   dest.Slug,
				EOA:         eoa,
				Requests:    requests,
				DepositMode: deposit,
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), onramp.View(session), nil, cacheMetaBypass(), nil, false)
		},
	}
	startCmd.Flags().StringVar(&chainArg, "chain", "", "On-ramp chain where funds are bought")
	startCmd.Flags().StringVar(&destArg, "dest-chain", "", "Destination chain (defaults to the on-ramp chain)")
	startCmd.Flags().StringVar(&eoaArg, "eoa", "", "EOA receiving bought funds (defaults to the master EOA)")
	startCmd.Flags().BoolVar(&deposit, "deposit", false, "Deposit mode: the safe exists, run buy and swap only")
	_ = startCmd.MarkFlagRequired("chain")

	var statusSession string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report an on-ramp session's step progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			orchestrator, err := s.ensureOnRamp()
			if err != nil {
				return err
			}
			session, err := orchestrator.Get(statusSession)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), onramp.View(session), nil, cacheMetaBypass(), nil, false)
		},
	}
	statusCmd.Flags().StringVar(&statusSession, "session", "", "Session ID from onramp start")
	_ = statusCmd.MarkFlagRequired("session")

	var advanceSession string
	advanceCmd := &cobra.Command{
		Use:   "advance",
		Short: "Drive the session's current step once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			orchestrator, err := s.ensureOnRamp()
			if err != nil {
				return err
			}
			session, err := orchestrator.Advance(ctx, advanceSession)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), onramp.View(session), nil, cacheMetaBypass(), nil, false)
		},
	}
	advanceCmd.Flags().StringVar(&advanceSession, "session", "", "Session ID from onramp start")
	_ = advanceCmd.MarkFlagRequired("session")

	root.AddCommand(startCmd)
	root.AddCommand(statusCmd)
	root.AddCommand(advanceCmd)
	return root
}

type migrationParams struct {
	chainArg        string
	serviceID       int64
	serviceConfigID string
	operator        string
	stakingAddress  string
	targetProgram   string
	targetAddress   string
}

func (p *migrationParams) bindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.chainArg, "chain", "", "Chain the service is registered on (defaults to the home chain)")
	cmd.Flags().Int64Var(&p.serviceID, "service-id", 0, "On-chain service registry ID")
	cmd.Flags().StringVar(&p.serviceConfigID, "service", "", "Middleware service config ID (used for the running check)")
	cmd.Flags().StringVar(&p.operator, "operator", "", "Service operator address (defaults to the configured service)")
	cmd.Flags().StringVar(&p.stakingAddress, "staking-address", "", "Current staking contract address (defaults to the configured service)")
	cmd.Flags().StringVar(&p.targetProgram, "target-program", "", "Target staking program ID")
	cmd.Flags().StringVar(&p.targetAddress, "target-address", "", "Target staking contract address")
	_ = cmd.MarkFlagRequired("service-id")
	_ = cmd.MarkFlagRequired("target-program")
	_ = cmd.MarkFlagRequired("target-address")
}

func (s *runtimeState) newStakingCommand() *cobra.Command {
	root := &cobra.Command{Use: "staking", Short: "Staking position and migration commands"}

	var checkParams migrationParams
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate whether a service may switch staking programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			in, outcome, warnings, err := s.evaluateMigration(ctx, checkParams)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), migrate.View(in, outcome), warnings, cacheMetaBypass(), nil, false)
		},
	}
	checkParams.bindFlags(checkCmd)

	var migrateParams migrationParams
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Switch a service to another staking program (stop, update, restart)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			if migrateParams.serviceConfigID == "" {
				return clierr.New(clierr.CodeUsage, "--service is required to migrate")
			}
			in, outcome, warnings, err := s.evaluateMigration(ctx, migrateParams)
			if err != nil {
				return err
			}
			coordinator := migrate.NewCoordinator(s.middleware, s.logger)
			if err := coordinator.Execute(ctx, migrateParams.serviceConfigID, migrateParams.targetProgram, outcome); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), migrate.View(in, outcome), warnings, cacheMetaBypass(), nil, false)
		},
	}
	migrateParams.bindFlags(migrateCmd)

	root.AddCommand(checkCmd)
	root.AddCommand(migrateCmd)
	return root
}

// evaluateMigration reads the service's on-chain position and the target
// program's capacity, asks the middleware whether the agent is running, and
// applies the migration gates. A middleware outage degrades to a warning:
// on-chain gates still apply.
func (s *runtimeState) evaluateMigration(ctx context.Context, params migrationParams) (migrate.Input, migrate.Outcome, []string, error) {
	chainArg := params.chainArg
	if strings.TrimSpace(chainArg) == "" {
		chainArg = strconv.FormatInt(s.settings.HomeChainID, 10)
	}
	c, err := id.ParseChain(chainArg)
	if err != nil {
		return migrate.Input{}, migrate.Outcome{}, nil, err
	}

	operator := params.operator
	program := ""
	stakingAddress := params.stakingAddress
	for _, entry := range s.settings.Services {
		if entry.ChainID == c.EVMChainID && entry.ServiceID == params.serviceID {
			if operator == "" {
				operator = entry.Operator
			}
			program = entry.StakingProgram
			if stakingAddress == "" {
				stakingAddress = entry.StakingAddress
			}
		}
	}
	if operator == "" {
		return migrate.Input{}, migrate.Outcome{}, nil, clierr.New(clierr.CodeUsage, "operator unknown; pass --operator or configure the service")
	}

	reader, err := staking.NewReader(c, s.settings.RPCOverrides[c.EVMChainID], chain.DialEthClient, s.logger)
	if err != nil {
		return migrate.Input{}, migrate.Outcome{}, nil, err
	}
	position, err := reader.ReadPosition(ctx, operator, params.serviceID, program, stakingAddress)
	if err != nil {
		return migrate.Input{}, migrate.Outcome{}, nil, err
	}
	details, err := reader.ReadProgramDetails(ctx, params.targetProgram, params.targetAddress)
	if err != nil {
		return migrate.Input{}, migrate.Outcome{}, nil, err
	}

	running := false
	var warnings []string
	if params.serviceConfigID != "" {
		resp, err := s.middleware.Service(ctx, params.serviceConfigID)
		if err != nil {
			warnings = append(warnings, "middleware unreachable; assuming the agent is stopped")
		} else {
			running = isRunningStatus(resp.Status)
		}
	}

	in := migrate.Input{
		CurrentProgram:     position.Program,
		TargetProgram:      params.targetProgram,
		StakingState:       position.StakingState,
		StakingStart:       position.StakingStart,
		MinStakingDuration: details.MinStakingDuration,
		ServiceRunning:     running,
		TargetSlotsUsed:    details.SlotsUsed,
		TargetMaxSlots:     details.MaxSlots,
		Now:                s.runner.now().UTC(),
	}
	return in, migrate.Decide(in), warnings, nil
}

func isRunningStatus(status string) bool {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "RUNNING", "DEPLOYED", "DEPLOYING":
		return true
	}
	return false
}

func (s *runtimeState) ensureAggregator() (*balance.Aggregator, error) {
	if s.aggregator != nil {
		return s.aggregator, nil
	}
	if len(s.settings.Wallets) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "no wallets configured; add wallets to the config file")
	}
	home, err := id.ParseChain(strconv.FormatInt(s.settings.HomeChainID, 10))
	if err != nil {
		return nil, err
	}
	aggregator := balance.NewAggregator(home.CAIP2, s.logger)

	for chainID, entries := range s.settings.Wallets {
		c, err := id.ParseChain(strconv.FormatInt(chainID, 10))
		if err != nil {
			return nil, err
		}
		reader, err := chain.NewReader(c, s.settings.RPCOverrides[chainID], chain.DialEthClient)
		if err != nil {
			return nil, err
		}
		var positions balance.PositionReader
		if chainHasService(s.settings.Services, chainID) {
			stakingReader, err := staking.NewReader(c, s.settings.RPCOverrides[chainID], chain.DialEthClient, s.logger)
			if err != nil {
				return nil, err
			}
			positions = stakingReader
		}
		wallets := make([]id.WalletRef, 0, len(entries))
		for _, entry := range entries {
			wallets = append(wallets, id.WalletRef{
				Address: entry.Address,
				ChainID: c.CAIP2,
				Kind:    id.WalletKind(strings.ToLower(entry.Kind)),
				Owner:   id.WalletOwner(strings.ToLower(entry.Owner)),
			})
		}
		aggregator.AddChain(reader, positions, wallets)
	}

	for _, svc := range s.settings.Services {
		c, err := id.ParseChain(strconv.FormatInt(svc.ChainID, 10))
		if err != nil {
			return nil, err
		}
		aggregator.AddService(balance.ServiceSpec{
			ChainID:        c.CAIP2,
			ServiceID:      svc.ServiceID,
			Operator:       svc.Operator,
			Program:        svc.StakingProgram,
			StakingAddress: svc.StakingAddress,
		})
	}

	for _, target := range s.settings.FundingTargets {
		c, token, expected, err := resolveFundingTarget(target)
		if err != nil {
			return nil, err
		}
		aggregator.AddTarget(balance.Target{
			ChainID:      c.CAIP2,
			Owner:        id.WalletOwner(strings.ToLower(target.Owner)),
			Symbol:       token.Symbol,
			ExpectedBase: expected,
		})
	}

	s.aggregator = aggregator
	return aggregator, nil
}

func chainHasService(services []config.ServiceEntry, chainID int64) bool {
	for _, svc := range services {
		if svc.ChainID == chainID {
			return true
		}
	}
	return false
}

// resolveFundingTarget maps a config entry to its chain, token and expected
// balance in base units. Expected amounts in the config are decimal strings.
func resolveFundingTarget(target config.FundingTarget) (id.Chain, id.Token, *big.Int, error) {
	c, err := id.ParseChain(strconv.FormatInt(target.ChainID, 10))
	if err != nil {
		return id.Chain{}, id.Token{}, nil, err
	}
	token, ok := id.TokenBySymbol(c.CAIP2, target.Symbol)
	if !ok {
		return id.Chain{}, id.Token{}, nil, clierr.New(clierr.CodeUnsupported,
			fmt.Sprintf("token %s is not known on %s", target.Symbol, c.Slug))
	}
	base, _, err := id.NormalizeAmount("", target.Expected, token.Decimals)
	if err != nil {
		return id.Chain{}, id.Token{}, nil, err
	}
	expected, ok := new(big.Int).SetString(base, 10)
	if !ok {
		return id.Chain{}, id.Token{}, nil, clierr.New(clierr.CodeInternal, "normalize expected amount")
	}
	return c, token, expected, nil
}

func (s *runtimeState) computeRequirements(ctx context.Context) ([]fund.Intent, error) {
	aggregator, err := s.ensureAggregator()
	if err != nil {
		return nil, err
	}
	targets, err := s.refillTargets()
	if err != nil {
		return nil, err
	}
	master, err := s.masterEOA(ctx)
	if err != nil {
		return nil, err
	}
	home, err := id.ParseChain(strconv.FormatInt(s.settings.HomeChainID, 10))
	if err != nil {
		return nil, err
	}
	snapshot := aggregator.Refresh(ctx)
	return fund.Compute(snapshot, targets, master, home.CAIP2), nil
}

// refillTargets resolves funding targets to concrete recipients. A master
// target with no safe on the chain falls back to the master-safe placeholder,
// which the calculator resolves to the master EOA.
func (s *runtimeState) refillTargets() ([]fund.RefillTarget, error) {
	targets := make([]fund.RefillTarget, 0, len(s.settings.FundingTargets))
	for _, target := range s.settings.FundingTargets {
		c, token, expected, err := resolveFundingTarget(target)
		if err != nil {
			return nil, err
		}
		recipient := walletAddressFor(s.settings.Wallets[c.EVMChainID], strings.ToLower(target.Owner))
		if recipient == "" {
			if strings.ToLower(target.Owner) != string(id.WalletOwnerMaster) {
				return nil, clierr.New(clierr.CodeUsage,
					fmt.Sprintf("no %s wallet configured on %s", target.Owner, c.Slug))
			}
			recipient = fund.MasterSafePlaceholder
		}
		targets = append(targets, fund.RefillTarget{
			ChainID:      c.CAIP2,
			Recipient:    recipient,
			Symbol:       token.Symbol,
			RequiredBase: expected,
		})
	}
	return targets, nil
}

// walletAddressFor picks the owner's wallet on a chain, preferring the safe.
func walletAddressFor(entries []config.WalletEntry, owner string) string {
	eoa := ""
	for _, entry := range entries {
		if strings.ToLower(entry.Owner) != owner {
			continue
		}
		if strings.ToLower(entry.Kind) == string(id.WalletKindSafe) {
			return entry.Address
		}
		if eoa == "" {
			eoa = entry.Address
		}
	}
	return eoa
}

// masterEOA prefers the configured master EOA and falls back to asking the
// middleware, which owns the keys.
func (s *runtimeState) masterEOA(ctx context.Context) (string, error) {
	for _, entries := range s.settings.Wallets {
		for _, entry := range entries {
			if strings.ToLower(entry.Owner) == string(id.WalletOwnerMaster) &&
				strings.ToLower(entry.Kind) == string(id.WalletKindEOA) {
				return entry.Address, nil
			}
		}
	}
	wallets, err := s.middleware.Wallets(ctx)
	if err != nil {
		return "", err
	}
	if len(wallets) == 0 {
		return "", clierr.New(clierr.CodeUsage, "no master wallet known; configure wallets or start the middleware")
	}
	return wallets[0].Address, nil
}

func (s *runtimeState) ensureBridge() (*bridge.Orchestrator, error) {
	if s.bridges != nil {
		return s.bridges, nil
	}
	if s.flows == nil {
		return nil, clierr.New(clierr.CodeInternal, "flow store not open")
	}
	orchestrator := bridge.NewOrchestrator(s.middleware, s.flows, s.settings.QuoteTTL, s.settings.PollInterval, s.logger)
	orchestrator.SetDestinationReader(s.readDestination)
	s.bridges = orchestrator
	return orchestrator, nil
}

func (s *runtimeState) ensureOnRamp() (*onramp.Orchestrator, error) {
	if s.onramps != nil {
		return s.onramps, nil
	}
	if s.flows == nil {
		return nil, clierr.New(clierr.CodeInternal, "flow store not open")
	}
	bridges, err := s.ensureBridge()
	if err != nil {
		return nil, err
	}
	s.onramps = onramp.NewOrchestrator(s.middleware, bridges, s.readNative, s.flows, s.logger)
	return s.onramps, nil
}

func (s *runtimeState) readDestination(ctx context.Context, chainArg, token, wallet string) (*big.Int, error) {
	c, err := id.ParseChain(chainArg)
	if err != nil {
		return nil, err
	}
	reader, err := chain.NewReader(c, s.settings.RPCOverrides[c.EVMChainID], chain.DialEthClient)
	if err != nil {
		return nil, err
	}
	return reader.ReadToken(ctx, token, wallet)
}

func (s *runtimeState) readNative(ctx context.Context, chainArg, wallet string) (*big.Int, error) {
	c, err := id.ParseChain(chainArg)
	if err != nil {
		return nil, err
	}
	reader, err := chain.NewReader(c, s.settings.RPCOverrides[c.EVMChainID], chain.DialEthClient)
	if err != nil {
		return nil, err
	}
	return reader.ReadNative(ctx, wallet)
}

// bridgeRequestsFromFlags builds the request set for bridge quote: an
// explicit single leg when --to-chain is given, otherwise the current refill
// requirements.
func (s *runtimeState) bridgeRequestsFromFlags(ctx context.Context, fromArg, toArg, tokenArg, recipientArg, amountBase, amountDecimal string) ([]mw.BridgeRequest, error) {
	if strings.TrimSpace(toArg) == "" {
		intents, err := s.computeRequirements(ctx)
		if err != nil {
			return nil, err
		}
		return bridgeRequestsFromIntents(intents)
	}

	fromChain := fromArg
	if strings.TrimSpace(fromChain) == "" {
		fromChain = strconv.FormatInt(s.settings.HomeChainID, 10)
	}
	from, err := id.ParseChain(fromChain)
	if err != nil {
		return nil, err
	}
	to, err := id.ParseChain(toArg)
	if err != nil {
		return nil, err
	}
	token, err := resolveToken(to.CAIP2, tokenArg)
	if err != nil {
		return nil, err
	}
	base, _, err := id.NormalizeAmount(amountBase, amountDecimal, token.Decimals)
	if err != nil {
		return nil, err
	}
	master, err := s.masterEOA(ctx)
	if err != nil {
		return nil, err
	}
	recipient := recipientArg
	if recipient == "" {
		recipient = master
	}
	if !id.IsHexAddress(recipient) {
		return nil, clierr.New(clierr.CodeUsage, "recipient must be a 0x address")
	}
	source, ok := id.TokenBySymbol(from.CAIP2, id.FungibleSymbol(token))
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported,
			fmt.Sprintf("no %s on %s to bridge from", token.Symbol, from.Slug))
	}
	return []mw.BridgeRequest{{
		From: mw.AssetRef{Chain: from.Slug, Address: master, Token: source.Address},
		To:   mw.AssetRef{Chain: to.Slug, Address: recipient, Token: token.Address, Amount: base},
	}}, nil
}

func bridgeRequestsFromIntents(intents []fund.Intent) ([]mw.BridgeRequest, error) {
	requests := make([]mw.BridgeRequest, 0, len(intents))
	for _, intent := range intents {
		from, err := id.ParseChain(intent.FromChainID)
		if err != nil {
			return nil, err
		}
		to, err := id.ParseChain(intent.ToChainID)
		if err != nil {
			return nil, err
		}
		source, ok := id.TokenBySymbol(from.CAIP2, id.FungibleSymbol(intent.Token))
		if !ok {
			return nil, clierr.New(clierr.CodeUnsupported,
				fmt.Sprintf("no %s on %s to bridge from", intent.Token.Symbol, from.Slug))
		}
		requests = append(requests, mw.BridgeRequest{
			From: mw.AssetRef{Chain: from.Slug, Address: intent.FromAddress, Token: source.Address},
			To:   mw.AssetRef{Chain: to.Slug, Address: intent.Recipient, Token: intent.Token.Address, Amount: intent.Amount.String()},
		})
	}
	return requests, nil
}

func resolveToken(chainID, input string) (id.Token, error) {
	v := strings.TrimSpace(input)
	if v == "" {
		return id.Token{}, clierr.New(clierr.CodeUsage, "--token is required")
	}
	if id.IsHexAddress(v) {
		if token, ok := id.TokenByAddress(chainID, v); ok {
			return token, nil
		}
		return id.Token{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("token %s is not known on %s", v, chainID))
	}
	if token, ok := id.TokenBySymbol(chainID, strings.ToUpper(v)); ok {
		return token, nil
	}
	return id.Token{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("token %s is not known on %s", v, chainID))
}

func chainStatuses(snapshot balance.Snapshot, elapsed time.Duration) []model.ProviderStatus {
	ids := make([]string, 0, len(snapshot.Chains))
	for chainID := range snapshot.Chains {
		ids = append(ids, chainID)
	}
	sort.Strings(ids)
	statuses := make([]model.ProviderStatus, 0, len(ids))
	for _, chainID := range ids {
		status := "ok"
		if snapshot.Chains[chainID].Stale {
			status = "unavailable"
		}
		statuses = append(statuses, model.ProviderStatus{Name: "rpc:" + chainID, Status: status, LatencyMS: elapsed.Milliseconds()})
	}
	return statuses
}

type fetchFn func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error)

func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(key, s.settings.MaxStale)
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			if !cached.Stale {
				var data any
				if err := json.Unmarshal(cached.Value, &data); err == nil {
					s.captureCommandDiagnostics(warnings, nil, false)
					return s.emitSuccess(commandPath, data, warnings, entryStatus, nil, false)
				}
			} else {
				var data any
				if err := json.Unmarshal(cached.Value, &data); err == nil {
					staleData = data
					staleAvailable = true
					staleObservedAge = cached.Age
					staleObservedAt = time.Now()
					staleCacheStatus = entryStatus
				}
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	data, providerStatus, providerWarnings, partial, err := fetch(ctx)
	warnings = append(warnings, providerWarnings...)
	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	if err != nil {
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			currentStaleAge := staleObservedAge
			if !staleObservedAt.IsZero() {
				currentStaleAge += time.Since(staleObservedAt)
			}
			staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
			if s.settings.NoStale {
				return clierr.Wrap(clierr.CodeStale, "fresh fetch failed and stale fallback is disabled (--no-stale)", err)
			}
			if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
				return clierr.Wrap(clierr.CodeStale, "fresh fetch failed and cached data exceeded stale budget", err)
			}
			warnings = append(warnings, "fetch failed; serving stale data within max-stale budget")
			s.captureCommandDiagnostics(warnings, providerStatus, false)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus, providerStatus, false)
		}
		return err
	}

	if partial && s.settings.Strict {
		s.captureCommandDiagnostics(warnings, providerStatus, true)
		return clierr.New(clierr.CodePartialStrict, "partial results returned in strict mode")
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			_ = s.cache.Set(key, payload, ttl)
			cacheStatus = model.CacheStatus{Status: "write", AgeMS: 0, Stale: false}
		}
	}

	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providerStatus, partial)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		switch cErr.Code {
		case clierr.CodeUsage:
			typ = "usage_error"
		case clierr.CodeAuth:
			typ = "auth_error"
		case clierr.CodeRateLimited:
			typ = "rate_limited"
		case clierr.CodeUnavailable:
			typ = "provider_unavailable"
		case clierr.CodeUnsupported:
			typ = "unsupported"
		case clierr.CodeStale:
			typ = "stale_data"
		case clierr.CodePartialStrict:
			typ = "partial_results"
		case clierr.CodeBlocked:
			typ = "command_blocked"
		case clierr.CodeRPCUnavailable:
			typ = "rpc_unavailable"
		case clierr.CodeQuoteFailed:
			typ = "quote_failed"
		case clierr.CodeExecutionFailed:
			typ = "execution_failed"
		case clierr.CodeSettlementPending:
			typ = "settlement_pending"
		case clierr.CodeInvariant:
			typ = "invariant_violation"
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func cacheKey(commandPath string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(commandPath+"|"), buf...))
	return hex.EncodeToString(sum[:])
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable, clierr.CodeRPCUnavailable:
			return "unavailable"
		default:
			return "error"
		}
	}
	return "error"
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

// staleFallbackAllowed limits stale serving to outage-shaped failures; usage
// and orchestration errors always surface.
func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	switch cErr.Code {
	case clierr.CodeUnavailable, clierr.CodeRateLimited, clierr.CodeRPCUnavailable:
		return true
	}
	return false
}

// Only the read commands flow through the TTL cache; flow mutations and
// gating checks always hit the chain and middleware fresh.
func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "balances", "requirements":
		return true
	default:
		return false
	}
}

func shouldOpenFlows(commandPath string) bool {
	path := normalizeCommandPath(commandPath)
	return strings.HasPrefix(path, "bridge") || strings.HasPrefix(path, "onramp")
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
