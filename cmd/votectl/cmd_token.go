package main

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/auth"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/registry"
)

var (
	flagTokenSubject  string
	flagTokenRoles    []string
	flagTokenTTL      time.Duration
	flagTokenStatus   string
	flagTokenFeesPaid bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "mint bearer tokens for testing",
}

var tokenAdminCmd = &cobra.Command{
	Use:   "admin",
	Short: "mint an administrator token signed with EKKLESIA_AUTH_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(flagTokenSubject) == "" {
			return errors.New("--subject is required")
		}
		v, err := auth.NewVerifier(os.Getenv("EKKLESIA_AUTH_SECRET"))
		if err != nil {
			return err
		}
		token, err := v.Sign(flagTokenSubject, flagTokenRoles, flagTokenTTL)
		if err != nil {
			return err
		}
		cmd.Println(token)
		return nil
	},
}

var tokenMemberCmd = &cobra.Command{
	Use:   "member",
	Short: "mint a member registry token signed with EKKLESIA_REGISTRY_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(flagTokenSubject) == "" {
			return errors.New("--subject is required")
		}
		v, err := memberSigner()
		if err != nil {
			return err
		}
		token, err := v.Sign(flagTokenSubject, flagTokenStatus, flagTokenFeesPaid, flagTokenRoles, flagTokenTTL)
		if err != nil {
			return err
		}
		cmd.Println(token)
		return nil
	},
}

func memberSigner() (*registry.Verifier, error) {
	return registry.NewVerifier(os.Getenv("EKKLESIA_REGISTRY_SECRET"), os.Getenv("EKKLESIA_REGISTRY_ISSUER"))
}

func init() {
	tokenCmd.PersistentFlags().StringVar(&flagTokenSubject, "subject", "", "token subject (admin id or member id)")
	tokenCmd.PersistentFlags().StringSliceVar(&flagTokenRoles, "role", nil, "role to grant; repeatable")
	tokenCmd.PersistentFlags().DurationVar(&flagTokenTTL, "ttl", time.Hour, "token lifetime")

	tokenMemberCmd.Flags().StringVar(&flagTokenStatus, "status", "active", "membership status")
	tokenMemberCmd.Flags().BoolVar(&flagTokenFeesPaid, "fees-paid", true, "whether dues are paid")

	tokenCmd.AddCommand(tokenAdminCmd, tokenMemberCmd)
	rootCmd.AddCommand(tokenCmd)
}
