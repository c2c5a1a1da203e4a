package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rosterhub/internal/util"
	"rosterhub/pkg/auth"
	"rosterhub/pkg/domain"
)

type userInput struct {
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required"`
}

func newUserCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts that own rosters",
	}
	cmd.AddCommand(newUserCreateCmd(e), newUserDeleteCmd(e))
	return cmd
}

func newUserCreateCmd(e *env) *cobra.Command {
	var in userInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeStore, err := e.store(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			user, err := createUser(cmd.Context(), s, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s <%s>\n", user.ID, user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "Display name (required)")
	cmd.Flags().StringVar(&in.Email, "email", "", "Login email (required)")
	cmd.Flags().StringVar(&in.Password, "password", "", "Initial password (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newUserDeleteCmd(e *env) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an account and its roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeStore, err := e.store(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			user, err := lookupUser(cmd.Context(), s, email)
			if err != nil {
				return err
			}
			if err := s.DeleteUser(cmd.Context(), user.ID); err != nil {
				return fmt.Errorf("delete user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted user %s <%s>\n", user.ID, user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Login email (required)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func createUser(ctx context.Context, s rosterStore, in userInput) (domain.User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := domain.ValidateStruct(in); err != nil {
		return domain.User{}, err
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.User{}, err
	}
	if _, exists, err := s.GetUserByEmail(ctx, in.Email); err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	} else if exists {
		return domain.User{}, fmt.Errorf("user %s already exists", in.Email)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.SaveUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

func lookupUser(ctx context.Context, s rosterStore, email string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.User{}, errors.New("email required")
	}
	user, ok, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", email, domain.ErrNotFound)
	}
	return user, nil
}
