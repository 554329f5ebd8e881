package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hyperjump/cgrcompute/internal/cli"
	"github.com/hyperjump/cgrcompute/internal/models"
	"github.com/hyperjump/cgrcompute/internal/server"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const fallbackAddr = "localhost:50051"

// resolveAddr prefers the -addr flag, then the configured server address.
func resolveAddr(addr, configPath string) string {
	if addr != "" {
		return addr
	}
	if cfg, _, err := loadConfig(configPath); err == nil {
		return cfg.Server.Addr()
	}
	return fallbackAddr
}

func runRecommend() {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for the server address)")
	addr := fs.String("addr", "", "server address (default: from config)")
	program := fs.String("program", "", "study program (required)")
	semester := fs.String("semester", "", "semester")
	year := fs.String("year", "", "academic year (default: latest)")
	selected := fs.String("selected", "", "comma separated course numbers already selected")
	variant := fs.String("variant", "COSINE", "RANDOM, COSINE, COSINE_FP32, COSINE_FP16 or COSINE_INT8")
	format := fs.String("format", "text", "output format: text or json")
	timeout := fs.Duration("timeout", 5*time.Minute, "request timeout (first call may train the model)")
	_ = fs.Parse(os.Args[2:])

	outFormat, err := cli.ParseOutputFormat(*format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *program == "" {
		fmt.Fprintln(os.Stderr, "-program is required")
		fs.Usage()
		os.Exit(1)
	}
	req := &models.RecommendationRequest{
		SemesterKey:    models.SemesterKey{StudyProgram: *program, Semester: *semester, AcademicYear: *year},
		SelectedCourse: cli.ParseCourseList(*selected),
		Variant:        *variant,
	}

	c, err := server.Dial(resolveAddr(*addr, *configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := c.Recommend(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Recommend failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteRecommendations(os.Stdout, resp, outFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		os.Exit(1)
	}
}

func runHealth() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for the server address)")
	addr := fs.String("addr", "", "server address (default: from config)")
	service := fs.String("service", "", "service name (empty for the whole server)")
	watch := fs.Bool("watch", false, "stream status changes until interrupted")
	timeout := fs.Duration("timeout", 15*time.Second, "check timeout")
	_ = fs.Parse(os.Args[2:])

	c, err := server.Dial(resolveAddr(*addr, *configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if *watch {
		ctx, stop := signalContext()
		defer stop()
		err := c.Watch(ctx, *service, func(st grpc_health_v1.HealthCheckResponse_ServingStatus) bool {
			fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339), st)
			return true
		})
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	st, err := c.Check(ctx, *service)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(st)
	if st != grpc_health_v1.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}
