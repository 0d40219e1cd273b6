package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/spf13/cobra"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [namespace] [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := kv.BytesValue([]byte(args[2]))
			if numeric, _ := cmd.Flags().GetBool("numeric"); numeric {
				n, err := kv.ParseNumeric(args[2])
				if err != nil {
					return err
				}
				value = kv.NumericValue(n)
			}

			var opts []kv.SetOption
			if ttl, _ := cmd.Flags().GetDuration("ttl"); ttl > 0 {
				opts = append(opts, kv.WithTTL(ttl))
			}
			if keep, _ := cmd.Flags().GetBool("keep-ttl"); keep {
				opts = append(opts, kv.KeepExistingExpiration())
			}
			if vacant, _ := cmd.Flags().GetBool("if-vacant"); vacant {
				opts = append(opts, kv.OnlyIfVacant())
			}
			if present, _ := cmd.Flags().GetBool("if-present"); present {
				opts = append(opts, kv.OnlyIfPresent())
			}
			if previous, _ := cmd.Flags().GetBool("previous"); previous {
				opts = append(opts, kv.ReturnPrevious())
			}

			res, err := rpcStore.Set(cmd.Context(), args[0], args[1], value, opts...)
			if err != nil {
				return err
			}
			if res.Previous != nil {
				fmt.Printf("status=%s, previous=%s\n", res.Status, res.Previous)
			} else {
				fmt.Printf("status=%s\n", res.Status)
			}
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [namespace] [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, ok, err := rpcStore.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, value=%s\n", args[1], ok, value)
			return nil
		},
	}
	getDelCmd = &cobra.Command{
		Use:   "getdel [namespace] [key]",
		Short: "Reads and deletes the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, ok, err := rpcStore.GetAndDelete(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, value=%s\n", args[1], ok, value)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [namespace] [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := rpcStore.Delete(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, deleted=%t\n", args[1], deleted)
			return nil
		},
	}
	casDelCmd = &cobra.Command{
		Use:   "cad [namespace] [key] [expected]",
		Short: "Deletes a key value pair if the value matches",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := rpcStore.CompareAndDelete(cmd.Context(), args[0], args[1], []byte(args[2]))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, deleted=%t\n", args[1], deleted)
			return nil
		},
	}
	incrCmd = &cobra.Command{
		Use:   "incr [namespace] [key] [amount]",
		Short: "Increments a numeric value (missing values start at 0)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return step(cmd, args, rpcStore.Increment)
		},
	}
	decrCmd = &cobra.Command{
		Use:   "decr [namespace] [key] [amount]",
		Short: "Decrements a numeric value (missing values start at 0)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return step(cmd, args, rpcStore.Decrement)
		},
	}
	exprCmd = &cobra.Command{
		Use:   "expire [namespace] [key] [ttl]",
		Short: "Changes the expiration of a value (ttl 0 removes it)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, err := time.ParseDuration(args[2])
			if err != nil {
				return fmt.Errorf("ttl must be a duration: %w", err)
			}
			found, err := rpcStore.Expire(cmd.Context(), args[0], args[1], ttl)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%t\n", args[1], found)
			return nil
		},
	}
)

type stepFunc = func(ctx context.Context, namespace, key string, by kv.Numeric, saturating bool) (kv.Numeric, error)

func step(cmd *cobra.Command, args []string, fn stepFunc) error {
	by, err := kv.ParseNumeric(args[2])
	if err != nil {
		return err
	}
	saturating, _ := cmd.Flags().GetBool("saturating")
	n, err := fn(cmd.Context(), args[0], args[1], by, saturating)
	if err != nil {
		return err
	}
	fmt.Printf("key=%s, value=%s\n", args[1], n)
	return nil
}
