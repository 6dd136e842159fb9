package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/getsinto/sschoool-sub001/pkg/mail"
	"github.com/getsinto/sschoool-sub001/pkg/system"
)

type templateFlags struct {
	data     map[string]string
	dataJSON string
}

func (f *templateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringToStringVar(&f.data, "data", nil, "Template data as key=value pairs")
	cmd.Flags().StringVar(&f.dataJSON, "data-json", "", "Template data as a JSON object; --data entries override its keys")
}

// values merges --data-json and --data into one template data map.
func (f *templateFlags) values() (map[string]any, error) {
	data := map[string]any{}
	if f.dataJSON != "" {
		if err := json.Unmarshal([]byte(f.dataJSON), &data); err != nil {
			return nil, fmt.Errorf("--data-json must be a JSON object: %w", err)
		}
	}
	for k, v := range f.data {
		data[k] = v
	}
	return data, nil
}

// NewSendCommand delivers one mail synchronously through the configured
// transport, bypassing the queue.
func NewSendCommand(o *Options) *cobra.Command {
	var (
		to, subject, template string
		attachments           []string
		timeout               time.Duration
		tf                    templateFlags
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Render a template and deliver it to one recipient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := mail.ParseTemplateKind(template)
			if err != nil {
				return err
			}
			data, err := tf.values()
			if err != nil {
				return err
			}
			files, err := readAttachments(attachments)
			if err != nil {
				return err
			}

			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			logger, err := system.NewLogger(o.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			svc, err := mail.NewService(cfg, logger.Sugar())
			if err != nil {
				return err
			}
			if svc.Sender() == nil {
				return mail.ErrMailDisabled
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			id, err := svc.Sender().Send(ctx, mail.SendRequest{
				To:          to,
				Subject:     subject,
				Template:    kind,
				Data:        data,
				Attachments: files,
			})
			if err != nil {
				return fmt.Errorf("sending %s mail to %s: %w", kind, to, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent via %s (message id: %s)\n", svc.Sender().Name(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&subject, "subject", "", "Mail subject")
	cmd.Flags().StringVarP(&template, "template", "t", "", "Template name")
	cmd.Flags().StringSliceVar(&attachments, "attach", nil, "Files to attach")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Delivery timeout")
	tf.register(cmd)
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func readAttachments(paths []string) ([]mail.Attachment, error) {
	out := make([]mail.Attachment, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading attachment: %w", err)
		}
		ct := mime.TypeByExtension(filepath.Ext(p))
		if ct == "" {
			ct = "application/octet-stream"
		}
		out = append(out, mail.Attachment{Filename: filepath.Base(p), ContentType: ct, Content: content})
	}
	return out, nil
}
