package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvloznov/mdraft/internal/config"
	"github.com/dvloznov/mdraft/internal/logger"
)

var (
	cfg config.Config
	log zerolog.Logger

	timeout time.Duration

	email    string
	password string
	plan     string
	filePath string
	tool     string
	id       string
)

var rootCmd = &cobra.Command{
	Use:   "mdraft",
	Short: "Administer an mdraft deployment",
	Long: `Administrative commands for mdraft.

Configuration is read from the environment (and .env), the same as the
API and worker processes.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		log = logger.New(logger.Options{Level: cfg.LogLevel, Format: "console"})
	},
}

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an admin user, or promote an existing one",
	RunE:  runCreateAdmin,
}

var setPlanCmd = &cobra.Command{
	Use:   "set-plan",
	Short: "Set a user's billing plan",
	RunE:  runSetPlan,
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert a local file to Markdown and print it",
	Long: `Convert a local file with the configured engines and print the Markdown
to stdout. Nothing is stored.`,
	RunE: runConvert,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run an analysis tool over a local document",
	Long: `Run an analysis tool (compliance-matrix, evaluation-criteria, outline,
checklist) over a local file and print the JSON result. Non-text files are
converted to Markdown first.`,
	RunE: runGenerate,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move a failed conversion back to the queue",
	Long: `Move a FAILED conversion back to QUEUED. With the Redis queue a job is
published for the worker; with the memory queue the conversion is processed
in this process.`,
	RunE: runRequeue,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall command timeout")

	createAdminCmd.Flags().StringVar(&email, "email", "", "Admin email (required)")
	createAdminCmd.Flags().StringVar(&password, "password", "", "Admin password (required)")
	_ = createAdminCmd.MarkFlagRequired("email")
	_ = createAdminCmd.MarkFlagRequired("password")

	setPlanCmd.Flags().StringVar(&email, "email", "", "User email (required)")
	setPlanCmd.Flags().StringVar(&plan, "plan", "", "Plan: free or pro (required)")
	_ = setPlanCmd.MarkFlagRequired("email")
	_ = setPlanCmd.MarkFlagRequired("plan")

	convertCmd.Flags().StringVar(&filePath, "file", "", "Path of the document (required)")
	_ = convertCmd.MarkFlagRequired("file")

	generateCmd.Flags().StringVar(&filePath, "file", "", "Path of the document (required)")
	generateCmd.Flags().StringVar(&tool, "tool", "", "Tool name (required)")
	_ = generateCmd.MarkFlagRequired("file")
	_ = generateCmd.MarkFlagRequired("tool")

	requeueCmd.Flags().StringVar(&id, "id", "", "Conversion ID (required)")
	_ = requeueCmd.MarkFlagRequired("id")

	rootCmd.AddCommand(createAdminCmd, setPlanCmd, convertCmd, generateCmd, requeueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return logger.WithContext(ctx, log), cancel
}
