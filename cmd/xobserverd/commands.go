package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/types"
)

const (
	flagFrom           = "from"
	flagTo             = "to"
	flagAmount         = "amount"
	flagMessage        = "message"
	flagRecipient      = "recipient"
	flagNonce          = "nonce"
	flagIncrementNonce = "increment-nonce"
	flagApprove        = "approve"
	flagIndex          = "index"
	flagChain          = "chain"
	flagInterleave     = "interleave-nonces"

	defaultMatrixAmount = "10000000"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config.toml under --home",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := cmd.Flags().GetString(flagHome)
			if err != nil {
				return err
			}
			if _, err := config.Load(home); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(home, config.FileName))
			return nil
		},
	}
}

func NewProbeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Run every health check once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := startDaemon(cmd, v, false)
			if err != nil {
				return err
			}
			defer d.Stop()

			unhealthy := d.Probe(cmd.Context())
			statuses := d.Checker().Statuses()
			names := make([]string, 0, len(statuses))
			for name := range statuses {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				status := statuses[name]
				line := name + " ok"
				if !status.Healthy {
					line = name + " FAIL " + status.LastError
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if len(unhealthy) > 0 {
				return fmt.Errorf("unhealthy: %s", strings.Join(unhealthy, ", "))
			}
			return nil
		},
	}
}

func NewSendCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send --from [chain] --to [chain] --amount [base units]",
		Short: "Submit one operation and wait for its final status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			op, err := operationFromFlags(cmd)
			if err != nil {
				return err
			}
			approve, _ := cmd.Flags().GetBool(flagApprove)

			d, err := startDaemon(cmd, v, false)
			if err != nil {
				return err
			}
			defer d.Stop()

			if approve {
				adapter, err := d.Registry().EVM(op.SourceChain)
				if err != nil {
					return err
				}
				if _, err := adapter.Approve(cmd.Context(), op.Amount); err != nil {
					return err
				}
			}

			verdict := d.Coordinator().Observe(cmd.Context(), op)
			return report(cmd.OutOrStdout(), []types.Verdict{verdict})
		},
	}

	cmd.Flags().String(flagFrom, "", "source chain name")
	cmd.Flags().String(flagTo, "", "destination chain name")
	cmd.Flags().String(flagAmount, "", "amount in base units")
	cmd.Flags().String(flagMessage, "", "message payload")
	cmd.Flags().String(flagRecipient, "", "destination address, defaults to the signer")
	cmd.Flags().Uint64(flagNonce, 0, "explicit nonce")
	cmd.Flags().Bool(flagIncrementNonce, false, "use the pending nonce plus one")
	cmd.Flags().Bool(flagApprove, false, "approve the connector for the amount first")
	_ = cmd.MarkFlagRequired(flagFrom)
	_ = cmd.MarkFlagRequired(flagTo)
	_ = cmd.MarkFlagRequired(flagAmount)
	return cmd
}

func operationFromFlags(cmd *cobra.Command) (types.Operation, error) {
	flags := cmd.Flags()
	from, _ := flags.GetString(flagFrom)
	to, _ := flags.GetString(flagTo)
	rawAmount, _ := flags.GetString(flagAmount)
	message, _ := flags.GetString(flagMessage)
	recipient, _ := flags.GetString(flagRecipient)
	increment, _ := flags.GetBool(flagIncrementNonce)

	amount, ok := sdkmath.NewIntFromString(rawAmount)
	if !ok {
		return types.Operation{}, types.ErrInvalidOperation.Wrapf("invalid amount %q", rawAmount)
	}

	op := types.Operation{
		SourceChain:      from,
		DestinationChain: to,
		Payload:          []byte(message),
		Amount:           amount,
		IncrementNonce:   increment,
	}
	if recipient != "" {
		if !common.IsHexAddress(recipient) {
			return types.Operation{}, types.ErrInvalidOperation.Wrapf("invalid recipient %q", recipient)
		}
		op.DestinationAddress = common.HexToAddress(recipient).Bytes()
	}
	if flags.Changed(flagNonce) {
		nonce, _ := flags.GetUint64(flagNonce)
		op.Nonce = &nonce
	}

	return op, op.ValidateBasic()
}

func NewAwaitCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "await [hash]...",
		Short: "Wait for existing transactions to reach a final status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, _ := cmd.Flags().GetBool(flagIndex)
			serve, _ := cmd.Flags().GetBool(flagServe)

			keys := make([]types.ObservationKey, len(args))
			for i, arg := range args {
				keys[i] = types.InboundKey(arg)
				if index {
					keys[i] = types.IndexKey(arg)
				}
				if err := keys[i].Validate(); err != nil {
					return err
				}
			}

			d, err := startDaemon(cmd, v, serve)
			if err != nil {
				return err
			}
			defer d.Stop()

			verdicts, err := d.Coordinator().AwaitAll(cmd.Context(), keys)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), verdicts)
		},
	}

	cmd.Flags().Bool(flagIndex, false, "arguments are record indexes instead of transaction hashes")
	cmd.Flags().Bool(flagServe, false, "serve verdicts over HTTP while waiting")
	return cmd
}

func NewMatrixCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Send between every ordered pair of configured chains and wait for all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rawAmount, _ := cmd.Flags().GetString(flagAmount)
			serve, _ := cmd.Flags().GetBool(flagServe)
			interleave, _ := cmd.Flags().GetBool(flagInterleave)

			amount, ok := sdkmath.NewIntFromString(rawAmount)
			if !ok || amount.IsNegative() {
				return types.ErrInvalidOperation.Wrapf("invalid amount %q", rawAmount)
			}

			d, err := startDaemon(cmd, v, serve)
			if err != nil {
				return err
			}
			defer d.Stop()

			ops := routes(d.Registry().Names(), amount, interleave)
			verdicts := d.Coordinator().ObserveAll(cmd.Context(), ops)
			return report(cmd.OutOrStdout(), verdicts)
		},
	}

	cmd.Flags().String(flagAmount, defaultMatrixAmount, "amount in base units per route")
	cmd.Flags().Bool(flagServe, false, "serve verdicts over HTTP while waiting")
	cmd.Flags().Bool(flagInterleave, false, "send every second route from a chain with the pending nonce plus one")
	return cmd
}

// routes is every ordered pair of distinct chains. With interleave, every
// second route out of a source skips ahead one nonce so that concurrent sends
// from one signer race for the same slots.
func routes(names []string, amount sdkmath.Int, interleave bool) []types.Operation {
	var ops []types.Operation
	for _, from := range names {
		n := 0
		for _, to := range names {
			if from == to {
				continue
			}
			ops = append(ops, types.Operation{
				SourceChain:      from,
				DestinationChain: to,
				Amount:           amount,
				IncrementNonce:   interleave && n%2 == 1,
			})
			n++
		}
	}
	return ops
}

func NewAllowanceCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowance --chain [chain]",
		Short: "Read or set the connector's token allowance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString(flagChain)
			rawApprove, _ := cmd.Flags().GetString(flagApprove)

			var approve sdkmath.Int
			if rawApprove != "" {
				var ok bool
				approve, ok = sdkmath.NewIntFromString(rawApprove)
				if !ok || approve.IsNegative() {
					return types.ErrInvalidOperation.Wrapf("invalid amount %q", rawApprove)
				}
			}

			d, err := startDaemon(cmd, v, false)
			if err != nil {
				return err
			}
			defer d.Stop()

			adapter, err := d.Registry().EVM(name)
			if err != nil {
				return err
			}

			if rawApprove != "" {
				receipt, err := adapter.Approve(cmd.Context(), approve)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "approved %s in %s\n", approve, receipt.TxHash)
			}

			allowance, err := adapter.Allowance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s allowance %s\n", name, allowance)
			return nil
		},
	}

	cmd.Flags().String(flagChain, "", "chain name")
	cmd.Flags().String(flagApprove, "", "approve this amount first")
	_ = cmd.MarkFlagRequired(flagChain)
	return cmd
}
