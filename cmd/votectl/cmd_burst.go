package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
)

var (
	flagBurstURL         string
	flagBurstElection    string
	flagBurstQuestion    string
	flagBurstChoices     []string
	flagBurstVoters      int
	flagBurstConcurrency int
	flagBurstReplay      bool
	flagBurstTimeout     time.Duration
)

var burstCmd = &cobra.Command{
	Use:   "burst",
	Short: "issue credentials to N members, submit concurrently and wait until every ballot is persisted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := memberSigner()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		report, err := runBurst(ctx, burstConfig{
			BaseURL:      flagBurstURL,
			ElectionID:   flagBurstElection,
			QuestionID:   flagBurstQuestion,
			Choices:      flagBurstChoices,
			Voters:       flagBurstVoters,
			Concurrency:  flagBurstConcurrency,
			MemberPrefix: "burst-" + ulid.Make().String(),
			Replay:       flagBurstReplay,
			PollTimeout:  flagBurstTimeout,
			Signer:       signer,
		})
		cmd.Println(report.String())
		return err
	},
}

func init() {
	burstCmd.Flags().StringVar(&flagBurstURL, "url", "http://localhost:8080", "server base url")
	burstCmd.Flags().StringVar(&flagBurstElection, "election", "", "active election id")
	burstCmd.Flags().StringVar(&flagBurstQuestion, "question", "", "question id to answer")
	burstCmd.Flags().StringSliceVar(&flagBurstChoices, "choice", []string{"yes", "no"}, "option ids, used round-robin")
	burstCmd.Flags().IntVar(&flagBurstVoters, "voters", 300, "number of members")
	burstCmd.Flags().IntVar(&flagBurstConcurrency, "concurrency", 64, "parallel submissions")
	burstCmd.Flags().BoolVar(&flagBurstReplay, "replay", true, "resubmit every credential once and expect a refusal")
	burstCmd.Flags().DurationVar(&flagBurstTimeout, "timeout", time.Minute, "how long to wait for persistence")

	rootCmd.AddCommand(burstCmd)
}
