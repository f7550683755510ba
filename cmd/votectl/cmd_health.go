package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	flagHealthAddr    string
	flagHealthService string
	flagHealthTimeout time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "query the gRPC health service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), flagHealthTimeout)
		defer cancel()
		status, err := checkHealth(ctx, flagHealthAddr, flagHealthService)
		if err != nil {
			return err
		}
		cmd.Println(status)
		if status != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("service %q is %s", flagHealthService, status)
		}
		return nil
	},
}

func checkHealth(ctx context.Context, target, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	healthCmd.Flags().StringVar(&flagHealthAddr, "addr", "localhost:9090", "gRPC address")
	healthCmd.Flags().StringVar(&flagHealthService, "service", "ekklesia-voting", "service name; empty for the whole server")
	healthCmd.Flags().DurationVar(&flagHealthTimeout, "timeout", 3*time.Second, "deadline")

	rootCmd.AddCommand(healthCmd)
}
