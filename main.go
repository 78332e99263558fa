package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tayden1990/MatrusVox/batch"
	"github.com/tayden1990/MatrusVox/mic"
	"github.com/tayden1990/MatrusVox/session"
	"github.com/tayden1990/MatrusVox/transcript"
	"github.com/tayden1990/MatrusVox/ui"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(devicesCmd)

	rootCmd.PersistentFlags().
		String("gemini-api-key", "", "Gemini API key")
	rootCmd.PersistentFlags().
		String("model", "", "Realtime model identifier")

	viper.BindPFlag(
		"gemini_api_key",
		rootCmd.PersistentFlags().Lookup("gemini-api-key"),
	)
	viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))

	listenCmd.Flags().
		String("log-file", "", "Write session logs to this file")
	transcribeCmd.Flags().
		StringP("output", "o", "", "Write transcript text to this file")
	watchCmd.Flags().
		StringP("output", "o", "", "Append transcript text to this file")
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "matrusvox",
	Short: "MatrusVox transcribes speech in real time",
	Long:  `MatrusVox streams microphone audio to Gemini for live transcription and batch-transcribes recorded audio files.`,
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Start the live transcription view",
	Run:   runListen,
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <files...>",
	Short: "Transcribe recorded audio files",
	Args:  cobra.MinimumNArgs(1),
	Run:   runTranscribe,
}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Transcribe audio files as they appear in a directory",
	Args:  cobra.ExactArgs(1),
	Run:   runWatch,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio capture devices",
	Run:   runDevices,
}

func runListen(cmd *cobra.Command, args []string) {
	// The TUI owns the terminal, so logs go to a file or nowhere.
	logOutput := io.Writer(io.Discard)
	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Fatal("Failed to open log file", "error", err)
		}
		defer f.Close()
		logOutput = f
	}
	mainLogger, sessionLogger, batchLogger := createLoggers(logOutput)

	apiKey := viper.GetString("gemini_api_key")
	if apiKey == "" {
		logger.Warn(
			"No API key configured; connecting will fail",
			"hint", "set GEMINI_API_KEY or --gemini-api-key",
		)
	}

	manager := session.New(session.Config{
		APIKey: apiKey,
		Model:  viper.GetString("model"),
	}, sessionLogger)

	batchClient, err := batch.New(
		context.Background(), apiKey, batch.Config{}, batchLogger,
	)
	if err != nil {
		logger.Fatal("Failed to create transcription client", "error", err)
	}
	defer batchClient.Close()

	store := transcript.NewStore()

	p := tea.NewProgram(
		ui.New(manager, batchClient, store, mainLogger),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		logger.Fatal("UI error", "error", err)
	}

	manager.Disconnect()
}

func runTranscribe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	client, err := batch.New(
		ctx,
		viper.GetString("gemini_api_key"),
		batch.Config{},
		logger.WithPrefix("batch"),
	)
	if err != nil {
		logger.Fatal("Failed to create transcription client", "error", err)
	}
	defer client.Close()

	out, err := openOutput(cmd)
	if err != nil {
		logger.Fatal("Failed to open output file", "error", err)
	}
	if out != nil {
		defer out.Close()
	}

	failures := 0
	for _, path := range args {
		item, ok, err := client.TranscribeFile(ctx, path)
		if err != nil {
			logger.Error("Transcription failed", "file", path, "error", err)
			failures++
			continue
		}
		if !ok {
			logger.Warn("No speech found", "file", path)
			continue
		}
		fmt.Println(item.Text)
		if out != nil {
			fmt.Fprintln(out, item.Text)
		}
	}

	if failures > 0 {
		os.Exit(1)
	}
}

// openOutput resolves the --output flag, asking before clobbering an
// existing file.
func openOutput(cmd *cobra.Command) (*os.File, error) {
	path, _ := cmd.Flags().GetString("output")
	if path == "" {
		return nil, nil
	}

	if _, err := os.Stat(path); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return nil, err
		}
		if !overwrite {
			return nil, fmt.Errorf("refusing to overwrite %s", path)
		}
	}

	return os.Create(path)
}

func runWatch(cmd *cobra.Command, args []string) {
	dir := args[0]

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	client, err := batch.New(
		ctx,
		viper.GetString("gemini_api_key"),
		batch.Config{},
		logger.WithPrefix("batch"),
	)
	if err != nil {
		logger.Fatal("Failed to create transcription client", "error", err)
	}
	defer client.Close()

	var out *os.File
	if outPath, _ := cmd.Flags().GetString("output"); outPath != "" {
		out, err = os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Fatal("Failed to open output file", "error", err)
		}
		defer out.Close()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Fatal("Failed to create file watcher", "error", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		logger.Fatal("Failed to watch directory", "error", err, "path", dir)
	}
	logger.Info("Watching for audio files", "path", dir)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping watcher")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 || !batch.IsAudioFile(event.Name) {
				continue
			}
			if err := waitForStableSize(ctx, event.Name); err != nil {
				logger.Error("File never settled", "file", event.Name, "error", err)
				continue
			}

			item, found, err := client.TranscribeFile(ctx, event.Name)
			if err != nil {
				logger.Error("Transcription failed", "file", event.Name, "error", err)
				continue
			}
			if !found {
				logger.Warn("No speech found", "file", event.Name)
				continue
			}

			logger.Info("Transcribed", "file", event.Name)
			fmt.Println(item.Text)
			if out != nil {
				fmt.Fprintln(out, item.Text)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("File watcher error", "error", err)
		}
	}
}

// waitForStableSize waits until a freshly created file stops growing, so
// a recording still being written out is not transcribed half-finished.
func waitForStableSize(ctx context.Context, path string) error {
	var lastSize int64 = -1
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() == lastSize && info.Size() > 0 {
			return nil
		}
		lastSize = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func runDevices(cmd *cobra.Command, args []string) {
	devices, err := mic.Devices()
	if err != nil {
		logger.Fatal("Failed to list audio devices", "error", err)
	}
	if len(devices) == 0 {
		logger.Warn("No capture devices found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Channels", "Default Rate", "Default"})
	for _, d := range devices {
		mark := ""
		if d.Default {
			mark = "*"
		}
		table.Append([]string{
			d.Name,
			strconv.Itoa(d.Channels),
			fmt.Sprintf("%.0f Hz", d.DefaultRate),
			mark,
		})
	}
	table.Render()
}

func createLoggers(w io.Writer) (mainLogger, sessionLogger, batchLogger *log.Logger) {
	mainLogger = log.New(w)
	sessionLogger = mainLogger.WithPrefix("session")
	batchLogger = mainLogger.WithPrefix("batch")
	return
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
