package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"whatschat/internal/domain"
	"whatschat/internal/profile"
	"whatschat/internal/remote"
)

func profileCmd() *cobra.Command {
	var email, password, name, avatarPath string

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfile(email, password, name, avatarPath)
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	cmd.Flags().StringVar(&name, "name", "", "set a new display name")
	cmd.Flags().StringVar(&avatarPath, "avatar", "", "upload an image file as avatar")
	return cmd
}

func runProfile(email, password, name, avatarPath string) error {
	cfg := loadConfigOrDefaults()
	logger = setupLogger(cfg.General.LogLevel)

	if email == "" || password == "" {
		return fmt.Errorf("--email and --password are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	issuer := remote.NewIssuer(cfg.Server.BaseURL, logger)
	feedSvc := remote.NewFeed(cfg.Server.BaseURL, issuer.Token, logger)
	blobs := remote.NewBlobs(cfg.Server.BaseURL, issuer.Token, logger)
	profiles := profile.NewService(feedSvc, blobs, nil, logger)

	var identity *domain.Identity
	unreg := issuer.OnIdentityChanged(func(id *domain.Identity) {
		if id != nil {
			identity = id
		}
	})
	defer unreg()

	if err := issuer.SignIn(ctx, domain.Credentials{Email: email, Password: password}); err != nil {
		return fmt.Errorf("sign in failed: %w", err)
	}
	if identity == nil {
		return fmt.Errorf("sign in did not produce an identity")
	}

	if name != "" {
		if err := profiles.UpdateDisplayName(ctx, identity.UserID, name); err != nil {
			return fmt.Errorf("rename failed: %w", err)
		}
		fmt.Println("display name updated")
	}

	if avatarPath != "" {
		data, err := os.ReadFile(avatarPath)
		if err != nil {
			return fmt.Errorf("cannot read avatar file: %w", err)
		}
		url, err := profiles.SetAvatar(ctx, identity.UserID, data)
		if err != nil {
			return fmt.Errorf("avatar upload failed: %w", err)
		}
		fmt.Printf("avatar uploaded: %s\n", url)
	}

	p, err := profiles.Lookup(ctx, identity.UserID)
	if err != nil {
		return fmt.Errorf("profile lookup failed: %w", err)
	}
	fmt.Printf("user:    %s\n", p.UserID)
	fmt.Printf("name:    %s\n", p.DisplayName)
	if p.AvatarURL != "" {
		fmt.Printf("avatar:  %s\n", p.AvatarURL)
	}
	return issuer.SignOut(ctx)
}
