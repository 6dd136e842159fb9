package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getsinto/sschoool-sub001/pkg/mail"
)

// NewRenderCommand prints a rendered template, or the template names when
// called without one.
func NewRenderCommand(_ *Options) *cobra.Command {
	var (
		branding, baseURL string
		tf                templateFlags
	)

	cmd := &cobra.Command{
		Use:   "render [template]",
		Short: "Render a mail template to stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, k := range mail.TemplateKinds() {
					_, _ = fmt.Fprintln(out, k)
				}
				return nil
			}
			kind, err := mail.ParseTemplateKind(args[0])
			if err != nil {
				return err
			}
			data, err := tf.values()
			if err != nil {
				return err
			}
			html, err := mail.NewRenderer(branding, baseURL).Render(kind, data)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, html)
			return nil
		},
	}

	cmd.Flags().StringVar(&branding, "branding", "sschool", "Product name injected as BrandingName")
	cmd.Flags().StringVar(&baseURL, "base-url", "https://app.sschool.app", "Frontend URL injected as BaseURL")
	tf.register(cmd)
	return cmd
}
