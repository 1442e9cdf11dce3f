package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/cursor-api/pkg/checksum"
	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
)

var (
	genkeyProxy    string
	genkeyTimezone string
	genkeyGcpp     string

	genkeyDisableVision  bool
	genkeyEnableSlowPool bool
	genkeyWebRefs        bool
)

func init() {
	genkeyCmd := &cobra.Command{
		Use:   "genkey",
		Short: "Mint a dynamic key triple with a fresh numeric identifier",
		Long:  "Mints a dynamic key without talking to a running gateway. Attach the printed numeric to a token record, or use /build-key against a live pool instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := &dynkey.Payload{
				Numeric: dynkey.NewNumeric(),
				Overrides: dynkey.Overrides{
					ProxyName:            genkeyProxy,
					Timezone:             genkeyTimezone,
					DisableVision:        genkeyDisableVision,
					EnableSlowPool:       genkeyEnableSlowPool,
					IncludeWebReferences: genkeyWebRefs,
				},
			}
			switch genkeyGcpp {
			case "":
			case "asia":
				h := dynkey.GcppAsia
				payload.Overrides.GcppHost = &h
			case "eu":
				h := dynkey.GcppEU
				payload.Overrides.GcppHost = &h
			case "us":
				h := dynkey.GcppUS
				payload.Overrides.GcppHost = &h
			default:
				return fmt.Errorf("unknown gcpp host %q (asia, eu, us)", genkeyGcpp)
			}

			full, err := payload.Encode()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:             %s\n", full)
			fmt.Fprintf(out, "numeric_b64:     %s\n", payload.EncodeNumericB64())
			fmt.Fprintf(out, "numeric_decimal: %s\n", payload.EncodeNumericDecimal())
			return nil
		},
	}
	genkeyCmd.Flags().StringVar(&genkeyProxy, "proxy", "", "Proxy name override")
	genkeyCmd.Flags().StringVar(&genkeyTimezone, "timezone", "", "IANA timezone override")
	genkeyCmd.Flags().StringVar(&genkeyGcpp, "gcpp-host", "", "Completion region (asia, eu, us)")
	genkeyCmd.Flags().BoolVar(&genkeyDisableVision, "disable-vision", false, "Strip image parts for this key")
	genkeyCmd.Flags().BoolVar(&genkeyEnableSlowPool, "enable-slow-pool", false, "Allow the vendor slow pool")
	genkeyCmd.Flags().BoolVar(&genkeyWebRefs, "web-references", false, "Append web references to responses")
	rootCmd.AddCommand(genkeyCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "gensecrets",
		Short: "Print fresh device and MAC secrets for a token record",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device_secret: %s\n", checksum.NewSecret())
			fmt.Fprintf(out, "mac_secret:    %s\n", checksum.NewSecret())
			fmt.Fprintf(out, "client_key:    %s\n", checksum.NewSecret())
		},
	})
}
