package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dvloznov/mdraft/internal/ai"
	"github.com/dvloznov/mdraft/internal/app"
	"github.com/dvloznov/mdraft/internal/auth"
	"github.com/dvloznov/mdraft/internal/config"
	"github.com/dvloznov/mdraft/internal/conversion"
	"github.com/dvloznov/mdraft/internal/domain"
	"github.com/dvloznov/mdraft/internal/jobs"
	"github.com/dvloznov/mdraft/internal/reliability"
	"github.com/dvloznov/mdraft/internal/store"
)

// userStore is the part of the store the account commands use.
type userStore interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	UpdateUserAdmin(ctx context.Context, id string, role *string, active *bool) (domain.User, error)
	SetUserPlan(ctx context.Context, id, plan, customerID string) error
}

type converter interface {
	Convert(ctx context.Context, in conversion.Input) (conversion.Output, error)
}

type analyzer interface {
	Run(ctx context.Context, tool, markdown string) (ai.Result, error)
}

func openStore(ctx context.Context) (*store.Postgres, func(), error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(db), func() { _ = db.Close() }, nil
}

func runCreateAdmin(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	u, created, err := createAdmin(ctx, st, email, password)
	if err != nil {
		return err
	}
	verb := "Promoted"
	if created {
		verb = "Created"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s admin %s (%s)\n", verb, u.Email, u.ID)
	return nil
}

// createAdmin creates an active admin, or promotes and reactivates the
// existing account with that email. The password of an existing account is
// left unchanged.
func createAdmin(ctx context.Context, users userStore, rawEmail, rawPassword string) (domain.User, bool, error) {
	addr, err := auth.NormalizeEmail(rawEmail)
	if err != nil {
		return domain.User{}, false, err
	}

	existing, err := users.GetUserByEmail(ctx, addr)
	switch {
	case err == nil:
		role, active := domain.RoleAdmin, true
		u, err := users.UpdateUserAdmin(ctx, existing.ID, &role, &active)
		if err != nil {
			return domain.User{}, false, fmt.Errorf("createAdmin: promote %s: %w", addr, err)
		}
		return u, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return domain.User{}, false, fmt.Errorf("createAdmin: lookup %s: %w", addr, err)
	}

	hash, err := auth.HashPassword(rawPassword)
	if err != nil {
		return domain.User{}, false, err
	}
	u, err := users.CreateUser(ctx, domain.User{
		ID:           uuid.NewString(),
		Email:        addr,
		PasswordHash: hash,
		Role:         domain.RoleAdmin,
		Plan:         domain.PlanPro,
		IsActive:     true,
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("createAdmin: %w", err)
	}
	return u, true, nil
}

func runSetPlan(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	st, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	u, err := setPlan(ctx, st, email, plan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now on the %s plan\n", u.Email, plan)
	return nil
}

func setPlan(ctx context.Context, users userStore, rawEmail, newPlan string) (domain.User, error) {
	if newPlan != domain.PlanFree && newPlan != domain.PlanPro {
		return domain.User{}, fmt.Errorf("unknown plan %q, want %s or %s", newPlan, domain.PlanFree, domain.PlanPro)
	}
	addr, err := auth.NormalizeEmail(rawEmail)
	if err != nil {
		return domain.User{}, err
	}
	u, err := users.GetUserByEmail(ctx, addr)
	if err != nil {
		return domain.User{}, fmt.Errorf("setPlan: lookup %s: %w", addr, err)
	}
	if err := users.SetUserPlan(ctx, u.ID, newPlan, u.StripeCustomerID); err != nil {
		return domain.User{}, fmt.Errorf("setPlan: %w", err)
	}
	u.Plan = newPlan
	return u, nil
}

// localConverter builds the conversion engines without the database.
func localConverter(ctx context.Context) (*conversion.Service, func(), error) {
	breakers := reliability.NewRegistry(log)
	opts := conversion.Options{
		Markitdown:      conversion.NewMarkitdown(cfg.MarkitdownBinary, cfg.MarkitdownTimeout, breakers.Guard(app.GuardMarkitdown)),
		DocAIForAllPDFs: cfg.DocAIForAllPDFs,
	}
	closeFn := func() {}
	if cfg.DocAIEnabled {
		d, err := conversion.NewDocAI(ctx, cfg.DocAIProject, cfg.DocAILocation, cfg.DocAIProcessorID, breakers.Guard(app.GuardDocAI))
		if err != nil {
			return nil, nil, err
		}
		opts.DocAI = d
		closeFn = func() { _ = d.Close() }
	}
	return conversion.NewService(opts, log), closeFn, nil
}

func runConvert(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	conv, closeConv, err := localConverter(ctx)
	if err != nil {
		return err
	}
	defer closeConv()

	out, err := convertFile(ctx, conv, filePath)
	if err != nil {
		return err
	}
	log.Info().Str("engine", out.Engine).Int("chars", len(out.Markdown)).Msg("Converted")
	_, err = fmt.Fprint(cmd.OutOrStdout(), out.Markdown)
	return err
}

func convertFile(ctx context.Context, conv converter, path string) (conversion.Output, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return conversion.Output{}, fmt.Errorf("read %s: %w", path, err)
	}
	out, err := conv.Convert(ctx, conversion.Input{Filename: filepath.Base(path), Data: data})
	if err != nil {
		return conversion.Output{}, fmt.Errorf("convert %s: %w", path, err)
	}
	return out, nil
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if cfg.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY is not set")
	}
	catalog, err := ai.DefaultCatalog()
	if err != nil {
		return err
	}
	breakers := reliability.NewRegistry(log)
	provider, err := ai.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, breakers.Guard(app.GuardLLM))
	if err != nil {
		return err
	}
	svc := ai.NewService(provider, catalog, ai.Options{
		ChunkChars:     cfg.AIChunkChars,
		MaxInputChars:  cfg.AIMaxInputChars,
		MaxConcurrency: cfg.AIMaxConcurrency,
	}, log)

	conv, closeConv, err := localConverter(ctx)
	if err != nil {
		return err
	}
	defer closeConv()

	res, err := generate(ctx, conv, svc, tool, filePath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func generate(ctx context.Context, conv converter, svc analyzer, toolName, path string) (ai.Result, error) {
	out, err := convertFile(ctx, conv, path)
	if err != nil {
		return ai.Result{}, err
	}
	res, err := svc.Run(ctx, toolName, out.Markdown)
	if err != nil {
		return ai.Result{}, fmt.Errorf("run %s: %w", toolName, err)
	}
	return res, nil
}

func runRequeue(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := requeue(ctx, a.Store, id)
	if err != nil {
		return err
	}

	if cfg.QueueBackend == config.QueueMemory {
		log.Info().Str("conversion_id", c.ID).Msg("Memory queue configured, processing in this process")
		if err := a.Processor.Process(ctx, c.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Processed %s\n", c.ID)
		return nil
	}

	job := &jobs.ConvertDocumentJob{ConversionID: c.ID, OwnerKey: c.OwnerKey, MaxRetries: cfg.JobMaxRetries}
	if err := a.Queue.PublishConvert(ctx, job); err != nil {
		return fmt.Errorf("publish %s: %w", c.ID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s as job %s\n", c.ID, job.JobID)
	return nil
}

type transitioner interface {
	TransitionConversion(ctx context.Context, id string, from []domain.ConversionStatus, to domain.ConversionStatus, patch store.ConversionPatch) (domain.Conversion, error)
}

func requeue(ctx context.Context, st transitioner, conversionID string) (domain.Conversion, error) {
	empty := ""
	c, err := st.TransitionConversion(ctx, conversionID,
		[]domain.ConversionStatus{domain.StatusFailed}, domain.StatusQueued,
		store.ConversionPatch{Error: &empty})
	if errors.Is(err, store.ErrInvalidTransition) {
		return domain.Conversion{}, fmt.Errorf("conversion %s is not FAILED", conversionID)
	}
	if err != nil {
		return domain.Conversion{}, fmt.Errorf("requeue %s: %w", conversionID, err)
	}
	return c, nil
}
