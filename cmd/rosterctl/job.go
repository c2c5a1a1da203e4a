package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rosterhub/internal/servicetoken"
	"rosterhub/pkg/domain"
)

type jobOptions struct {
	importerURL string
	keyPath     string
	keyID       string
	timeout     time.Duration
}

func newJobCmd() *cobra.Command {
	var opts jobOptions
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect import jobs on the importer service",
	}
	cmd.PersistentFlags().StringVar(&opts.importerURL, "importer-url", envOr("IMPORTER_URL", "http://localhost:8082"), "Importer base URL")
	cmd.PersistentFlags().StringVar(&opts.keyPath, "key", os.Getenv("ROSTERCTL_PRIVATE_KEY"), "RSA private key used to sign service tokens")
	cmd.PersistentFlags().StringVar(&opts.keyID, "key-id", servicetoken.DefaultKeyID, "Key id placed in the token header")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP timeout")

	var id string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the status of an import job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := fetchJob(cmd, opts, id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}
	status.Flags().StringVar(&id, "id", "", "Job id (required)")
	_ = status.MarkFlagRequired("id")
	cmd.AddCommand(status)
	return cmd
}

func fetchJob(cmd *cobra.Command, opts jobOptions, id string) (domain.ImportJob, error) {
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: opts.keyPath,
		KeyID:          opts.keyID,
		Issuer:         "rosterctl",
	})
	if err != nil {
		return domain.ImportJob{}, err
	}
	endpoint := strings.TrimRight(opts.importerURL, "/") + "/internal/imports/" + url.PathEscape(strings.TrimSpace(id))
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.ImportJob{}, err
	}
	if err := signer.Authorize(req, servicetoken.AudienceImporter); err != nil {
		return domain.ImportJob{}, err
	}
	client := &http.Client{Timeout: opts.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return domain.ImportJob{}, fmt.Errorf("request importer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return domain.ImportJob{}, fmt.Errorf("importer returned %d %s: %s", resp.StatusCode, body.Code, body.Error)
	}
	var job domain.ImportJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return domain.ImportJob{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
