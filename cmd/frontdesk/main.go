package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinic/frontdesk/internal/config"
	"github.com/clinic/frontdesk/internal/domain/autocancel"
	"github.com/clinic/frontdesk/internal/domain/booking"
	"github.com/clinic/frontdesk/internal/platform/backend"
	"github.com/clinic/frontdesk/internal/platform/middleware"
	"github.com/clinic/frontdesk/internal/platform/notification"
	"github.com/clinic/frontdesk/internal/platform/session"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "frontdesk",
		Short:         "Clinic front desk: appointment booking and auto-cancel dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(departmentsCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(autocancelCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

// newLogger builds the process logger: JSON by default, console output in
// development.
func newLogger(env, level string, out io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).Level(lvl).With().Timestamp().Logger()
	}
	return logger, nil
}

type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	client *backend.Client
	store  *session.FileStore
}

// setup loads and validates the configuration, then builds the logger and
// the backend client. CLI commands log to stderr so their output stays
// clean.
func setup(logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Env, cfg.LogLevel, logOut)
	if err != nil {
		return nil, err
	}

	store := session.NewFileStore(cfg.SessionFile)
	client := backend.New(cfg.BackendURL,
		backend.WithTimeout(cfg.BackendTimeout),
		backend.WithRateLimit(cfg.BackendRPS, cfg.BackendBurst),
		backend.WithTokenSource(session.Chain(session.Static(cfg.SessionToken), store)),
		backend.WithLogger(logger.With().Str("component", "backend").Logger()),
	)
	return &app{cfg: cfg, logger: logger, client: client, store: store}, nil
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking and auto-cancel HTTP console",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(os.Stdout)
			if err != nil {
				return err
			}
			return runServer(a)
		},
	}
}

func runServer(a *app) error {
	cfg, logger := a.cfg, a.logger

	recorder := notification.NewRecorder(notification.DefaultRecorderSize)
	notifier := notification.Multi{notification.NewLog(logger.With().Str("component", "notices").Logger()), recorder}

	bookingHandler := booking.NewHandler(
		func(tokens session.TokenSource) booking.Backend { return a.client.WithTokens(tokens) },
		booking.WithIdleTTL(cfg.SessionIdleTTL),
		booking.WithLoginURL(cfg.LoginURL),
		booking.WithHandlerLogger(logger.With().Str("component", "booking").Logger()),
		booking.WithHandlerNotifier(notifier),
	)
	defer bookingHandler.Close()

	poller := autocancel.New(a.client,
		autocancel.WithLogger(logger.With().Str("component", "auto-cancel").Logger()),
		autocancel.WithNotifier(notifier),
	)
	defer poller.Close()

	e := newEcho(cfg, logger)
	api := e.Group("/api/v1")
	bookingHandler.RegisterRoutes(api)
	autocancel.NewHandler(poller).RegisterRoutes(api)
	notification.NewHandler(recorder).RegisterRoutes(api)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.BackendURL).Msg("starting console")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down console")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("console stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(middleware.DefaultBodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Location"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return e
}

// ---------------------------------------------------------------------------
// departments
// ---------------------------------------------------------------------------

func departmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "departments",
		Short: "List departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			deps, err := a.client.ListDepartments(cmd.Context())
			if err != nil {
				return err
			}
			printDepartments(cmd.OutOrStdout(), deps)
			return nil
		},
	}
}

func printDepartments(w io.Writer, deps []backend.Department) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDOCTORS")
	for _, d := range deps {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", d.ID, d.Name, d.DoctorCount)
	}
	tw.Flush()
}

// ---------------------------------------------------------------------------
// book
// ---------------------------------------------------------------------------

type bookFlags struct {
	department int
	date       string
	doctor     int
	slot       string
	patient    booking.Patient
	reason     string
}

func bookCmd() *cobra.Command {
	var f bookFlags
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book an appointment",
		Long: "Book an appointment. Leave out --doctor or --slot to list the\n" +
			"doctors working that day or the free slots of the chosen doctor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			return runBook(cmd.Context(), cmd.OutOrStdout(), a, f)
		},
	}

	cmd.Flags().IntVar(&f.department, "department", 0, "Department id")
	cmd.Flags().StringVar(&f.date, "date", "", "Appointment date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.doctor, "doctor", 0, "Doctor id")
	cmd.Flags().StringVar(&f.slot, "slot", "", "Time slot, as listed")
	cmd.Flags().StringVar(&f.patient.Name, "name", "", "Patient name")
	cmd.Flags().StringVar(&f.patient.DOB, "dob", "", "Patient date of birth (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.patient.Phone, "phone", "", "Patient phone")
	cmd.Flags().StringVar(&f.patient.Email, "email", "", "Patient email")
	cmd.Flags().StringVar(&f.patient.Gender, "gender", "", "Patient gender")
	cmd.Flags().StringVar(&f.patient.Address, "address", "", "Patient address")
	cmd.Flags().StringVar(&f.reason, "reason", "", "Reason for the visit")
	cmd.MarkFlagRequired("department")
	cmd.MarkFlagRequired("date")
	return cmd
}

func runBook(ctx context.Context, out io.Writer, a *app, f bookFlags) error {
	date, err := time.Parse(backend.DateLayout, f.date)
	if err != nil {
		return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}

	coord := booking.NewCoordinator(a.client, a.client.Tokens(),
		booking.WithLogger(a.logger),
		booking.WithNotifier(notification.NewLog(a.logger)),
	)
	defer coord.Close()

	if err := coord.SetDepartment(f.department); err != nil {
		return err
	}
	if err := coord.SetDate(date); err != nil {
		return err
	}
	if err := settle(ctx, coord, booking.LookupDoctors); err != nil {
		return err
	}

	if f.doctor == 0 {
		fmt.Fprintln(out, "Doctors available on", f.date+":")
		for _, d := range coord.View().Doctors {
			fmt.Fprintf(out, "  %d  %s\n", d.ID, d.FullName)
		}
		return nil
	}
	if err := coord.SetDoctor(f.doctor); err != nil {
		return err
	}
	if err := settle(ctx, coord, booking.LookupSchedule, booking.LookupSlots); err != nil {
		return err
	}

	if f.slot == "" {
		v := coord.View()
		if v.Selection.ScheduleID == nil {
			fmt.Fprintln(out, booking.ErrNoSchedule.Error())
			return nil
		}
		fmt.Fprintln(out, "Free time slots:")
		for _, s := range v.TimeSlots {
			fmt.Fprintln(out, "  "+s)
		}
		return nil
	}
	if err := coord.SetTimeSlot(f.slot); err != nil {
		return err
	}

	appt, err := coord.Submit(ctx, f.patient, f.reason)
	if errors.Is(err, booking.ErrAuthRequired) {
		return fmt.Errorf("%w: run `frontdesk login --token <token>` first", err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Booked appointment %d on %s at %s (status %s)\n",
		appt.ID, appt.AppointmentDate, appt.TimeSlot, appt.Status)
	return nil
}

// settle waits for the coordinator's lookups and returns the first error
// recorded by one of kinds.
func settle(ctx context.Context, coord *booking.Coordinator, kinds ...booking.Lookup) error {
	if err := coord.Wait(ctx); err != nil {
		return err
	}
	v := coord.View()
	for _, k := range kinds {
		if msg := v.Lookups[k.String()].Error; msg != "" {
			return errors.New(msg)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// sweep / autocancel
// ---------------------------------------------------------------------------

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the overdue-appointment sweep once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			p := autocancel.New(a.client, autocancel.WithLogger(a.logger))
			defer p.Close()

			res, err := p.Trigger(cmd.Context())
			if err != nil {
				return err
			}
			printSweep(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func autocancelCmd() *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "autocancel",
		Short: "Run the overdue-appointment sweep every 15 minutes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			p := autocancel.New(a.client,
				autocancel.WithLogger(a.logger),
				autocancel.WithNotifier(notification.NewLog(a.logger)),
				autocancel.WithCountdownFunc(func(countdown string) {
					if strings.HasSuffix(countdown, ":00") {
						fmt.Fprintln(out, "next sweep in", countdown)
					}
				}),
			)
			defer p.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if runNow {
				if res, err := p.Trigger(ctx); err == nil {
					printSweep(out, res)
				}
			}
			if err := p.Enable(); err != nil {
				return err
			}
			fmt.Fprintln(out, "auto-cancel enabled, next sweep at", p.Status().NextRunAt.Format(time.Kitchen))

			<-ctx.Done()
			p.Disable()
			if st := p.Status(); st.LastResult != nil {
				printSweep(out, st.LastResult)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", false, "Run one sweep before arming the timer")
	return cmd
}

func printSweep(w io.Writer, res *backend.AutoCancelResult) {
	fmt.Fprintf(w, "%d appointment(s) cancelled\n", res.CancelledCount)
	if len(res.CancelledAppointments) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATIENT\tDOCTOR\tDATE\tSLOT")
	for _, c := range res.CancelledAppointments {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.PatientName, c.DoctorName, c.AppointmentDate, c.TimeSlot)
	}
	tw.Flush()
}

// ---------------------------------------------------------------------------
// login / logout
// ---------------------------------------------------------------------------

func loginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the bearer token used by the CLI",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			id, err := session.Resolve(session.Static(token))
			if err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
			if err := a.store.Save(token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as patient %d, token stored in %s\n", id.PatientID, a.store.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token issued by the clinic backend")
	cmd.MarkFlagRequired("token")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			if err := a.store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}
