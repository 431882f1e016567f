// verdant is a voice-driven assistant that helps a user track and lower
// their carbon footprint: it answers questions through a tool-calling
// dialogue loop and keeps pledge renewal schedules running.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"verdant/internal/config"
	"verdant/internal/device"
	"verdant/internal/engine"
	"verdant/internal/impact"
	"verdant/internal/logging"
	"verdant/internal/pledge"
	"verdant/internal/provider"
	"verdant/internal/store"
	"verdant/internal/tools"
)

var (
	configPath string
	verbose    bool
	viewImage  string
	userName   string
	audioMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "verdant",
	Short: "verdant - a voice-driven carbon footprint assistant",
	Long: `verdant tracks a user's carbon emissions through a tool-calling
dialogue loop, suggests and keeps pledges to avoid emitting activities,
and renews pledge impact on schedule even across restarts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Logging.Debug || verbose); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		logging.Sync()
	},
}

type configKey struct{}

func cmdConfig(cmd *cobra.Command) *config.Config {
	return cmd.Context().Value(configKey{}).(*config.Config)
}

// app bundles the wired components a command needs.
type app struct {
	cfg        *config.Config
	store      *store.Store
	engine     *engine.Engine
	supervisor *pledge.Supervisor
	player     device.Player
}

// buildApp wires config, store, provider, calculator, tools, schedulers,
// and the engine together.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	user, err := st.GetUser(ctx, cfg.User.ID)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{
			ID:              cfg.User.ID,
			Region:          "US",
			Currency:        "usd",
			EmissionsBudget: 100,
			BudgetPeriod:    "day",
			TTSVoice:        "alloy",
		}
		if err = st.UpsertUser(ctx, user); err == nil {
			logging.Named("main").Info("seeded default user profile",
				zap.String("user", user.ID))
		}
	}
	if err != nil {
		st.Close()
		return nil, err
	}

	llm := provider.NewOpenAI(provider.Config{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		ChatModel:         cfg.LLM.ChatModel,
		VisionModel:       cfg.LLM.VisionModel,
		TTSModel:          cfg.LLM.TTSModel,
		STTModel:          cfg.LLM.STTModel,
		Voice:             user.TTSVoice,
		TTSSpeed:          cfg.LLM.TTSSpeed,
		ChatTemperature:   cfg.LLM.ChatTemperature,
		VisionTemperature: cfg.LLM.VisionTemperature,
		MaxVisionTokens:   cfg.LLM.MaxVisionTokens,
		Timeout:           cfg.LLMTimeout(),
		AudioOutputPath:   cfg.Audio.OutputPath,
	})

	calc, err := impact.NewCalculator(impact.CalculatorConfig{
		BaseURL:     cfg.Factors.BaseURL,
		APIKey:      cfg.Factors.APIKey,
		DataVersion: cfg.Factors.DataVersion,
		Region:      user.Region,
		Currency:    user.Currency,
		Timeout:     cfg.FactorsTimeout(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	supervisor := pledge.NewSupervisor(st)
	if err := supervisor.Resume(cfg.User.ID); err != nil {
		st.Close()
		return nil, err
	}

	var view device.ViewSource = &device.FakeViewSource{}
	if viewImage != "" {
		view = fileView(viewImage)
	}

	registry := tools.NewRegistry()
	toolset := impact.NewToolset(st, calc, llm, view, supervisor, cfg.User.ID)
	if err := toolset.RegisterAll(registry); err != nil {
		supervisor.Close()
		st.Close()
		return nil, err
	}

	eng := engine.New(llm, registry, engine.Config{
		SystemPrompt: engine.ChatPrompt(userName),
		IdleTimeout:  cfg.IdleTimeout(),
		MaxRounds:    cfg.Engine.MaxRounds,
	})

	return &app{
		cfg:        cfg,
		store:      st,
		engine:     eng,
		supervisor: supervisor,
		player:     &device.FakePlayer{},
	}, nil
}

func (a *app) close() {
	a.supervisor.Close()
	a.store.Close()
}

// fileView is a ViewSource backed by an image on disk, for machines
// without a camera.
type fileView string

func (f fileView) Capture(context.Context) ([]byte, error) {
	return os.ReadFile(string(f))
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the assistant loop, reading utterances from stdin",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cmdConfig(cmd))
		if err != nil {
			return err
		}
		defer a.close()

		if audioMode {
			return runAudioLoop(ctx, a)
		}

		fmt.Println("verdant ready. Type an utterance, Ctrl-D or Ctrl-C to quit.")
		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if err := runTurn(ctx, a, line); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
			}
		}
	},
}

// runAudioLoop drives turns from a Trigger and Recorder the way the device
// hardware does: each activation records one utterance from the configured
// input path and runs it through transcription.
func runAudioLoop(ctx context.Context, a *app) error {
	trigger := device.NewManualTrigger()
	defer trigger.Close()
	recorder := device.FileRecorder(a.cfg.Audio.InputPath)

	fmt.Printf("verdant ready. Press Enter to speak (audio read from %s), Ctrl-C to quit.\n",
		a.cfg.Audio.InputPath)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			trigger.Fire()
		}
		trigger.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-trigger.Events():
			if !ok {
				return nil
			}
			if err := runAudioTurn(ctx, a, recorder); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

func runAudioTurn(ctx context.Context, a *app, recorder device.Recorder) error {
	audio, err := recorder.Record(ctx)
	if err != nil {
		return err
	}
	defer audio.Close()

	res, err := a.engine.HandleAudio(ctx, audio)
	return reportResult(ctx, a, res, err)
}

func runTurn(ctx context.Context, a *app, utterance string) error {
	res, err := a.engine.Turn(ctx, utterance)
	return reportResult(ctx, a, res, err)
}

func reportResult(ctx context.Context, a *app, res *engine.TurnResult, err error) error {
	if errors.Is(err, engine.ErrFlagged) {
		fmt.Println("(that request was declined)")
		return nil
	}
	if err != nil {
		return err
	}
	if res.Text != "" {
		fmt.Println(res.Text)
	}
	if res.AudioPath != "" {
		return a.player.Play(ctx, res.AudioPath)
	}
	return nil
}

var askCmd = &cobra.Command{
	Use:   "ask <utterance>",
	Short: "Run a single dialogue turn and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cmdConfig(cmd))
		if err != nil {
			return err
		}
		defer a.close()

		return runTurn(ctx, a, strings.Join(args, " "))
	},
}

var pledgesCmd = &cobra.Command{
	Use:   "pledges",
	Short: "List the user's active pledges and their impacts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := cmdConfig(cmd)
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		pledges, err := st.ActivePledges(cmd.Context(), cfg.User.ID)
		if err != nil {
			return err
		}
		if len(pledges) == 0 {
			fmt.Println("No active pledges.")
			return nil
		}
		for _, p := range pledges {
			fmt.Printf("%-20s %-30s every %-8s streak %-4d impact %.2f kg CO2e\n",
				p.Name, p.Activity, p.Frequency, p.Streak, p.Impact)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "verdant.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&userName, "name", "friend", "name the assistant addresses the user by")
	rootCmd.PersistentFlags().StringVar(&viewImage, "view-image", "", "path to an image standing in for the user's current view")

	runCmd.Flags().BoolVar(&audioMode, "audio", false, "drive turns from trigger activations and recorded audio instead of typed text")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(pledgesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
