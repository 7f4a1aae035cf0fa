package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"librarylend/internal/domain"
	"librarylend/internal/membership"
)

func newUseraddCmd(a *app) *cobra.Command {
	var (
		name  string
		admin bool
	)
	cmd := &cobra.Command{
		Use:   "useradd <user-id>",
		Short: "Create an account, prompting for its password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.persistent() {
				return errors.New("useradd needs a persistent store; set STORE_DRIVER=postgres")
			}
			password, err := promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("password must not be empty")
			}

			ctx := cmd.Context()
			raw, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer raw.Close()

			svc := membership.NewService(a.resilient(raw), membership.Options{Logger: a.log})
			req := membership.RegisterRequest{UserID: args[0], Password: password, Name: name}
			role := domain.RoleMember
			if admin {
				role = domain.RoleAdmin
				_, err = svc.CreateAdmin(ctx, req)
			} else {
				_, err = svc.Register(ctx, req)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s)\n", args[0], role)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the Admin role")
	return cmd
}

// promptPassword reads the password twice with masking on a terminal, or once
// from piped input.
func promptPassword(in io.Reader, prompt io.Writer) (string, error) {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	read := func(label string) (string, error) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	first, err := read("Password: ")
	if err != nil {
		return "", err
	}
	second, err := read("Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}
