package commands

import (
	"encoding/hex"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alan-christopher/bb84sim/store"
)

func recordsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "records",
		Short: "List stored session records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			rs, err := st.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tOUTCOME\tREASON\tSLOTS\tSIFTED\tQBER\tKEY")
			for _, r := range rs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%d\n",
					r.ID, r.Created.Format(time.RFC3339), r.Outcome, r.Reason,
					r.NumSlots, r.SiftedLen, store.ErrorRateString(r.ErrorRate), r.KeyBits)
			}
			return tw.Flush()
		},
	}
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one stored session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			r, err := st.Get(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			seed := "none"
			if r.Seed != nil {
				seed = fmt.Sprint(*r.Seed)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "id\t%s\n", r.ID)
			fmt.Fprintf(tw, "created\t%s\n", r.Created.Format(time.RFC3339Nano))
			fmt.Fprintf(tw, "outcome\t%s (%s)\n", r.Outcome, r.Reason)
			fmt.Fprintf(tw, "slots\t%d\n", r.NumSlots)
			fmt.Fprintf(tw, "seed\t%s\n", seed)
			fmt.Fprintf(tw, "noise\t%v\n", r.ChannelNoiseRate)
			fmt.Fprintf(tw, "intercept\t%v\n", r.InterceptRate)
			fmt.Fprintf(tw, "sifted\t%d\n", r.SiftedLen)
			fmt.Fprintf(tw, "sample\t%d of %d requested, %d mismatches\n", r.Sampled, r.SampleSize, r.Mismatches)
			fmt.Fprintf(tw, "qber\t%s (upper bound %.4f, threshold %v)\n", store.ErrorRateString(r.ErrorRate), r.UpperBound, r.MaxErrorRate)
			fmt.Fprintf(tw, "classical\t%d messages, %d bytes\n", r.MessagesSent, r.BytesSent)
			fmt.Fprintf(tw, "amplification\t%s, %s\n", r.Hash, r.LengthPolicy)
			fmt.Fprintf(tw, "key\t%d bits, fingerprint %s\n", r.KeyBits, hex.EncodeToString(r.KeyFingerprint))
			return tw.Flush()
		},
	}
}
