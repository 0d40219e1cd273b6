package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/rpc/common"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dDoc servers",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfNamespace        = "__perf"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// perfTest is one benchmark. prepare runs before the timer starts, op is
// called with the n-th key of the test.
type perfTest struct {
	name    string
	prepare func(ctx context.Context, key string) error
	op      func(ctx context.Context, key string, n int) error
}

// perfResult is the outcome of one benchmark
type perfResult struct {
	bench   testing.BenchmarkResult
	latency metrics.Timer
	errors  metrics.Counter
}

func perfTests() []perfTest {
	small := kv.BytesValue([]byte("test"))
	large := kv.BytesValue(make([]byte, perfLargeValueSizeKB*1024))
	set := func(v kv.Value) func(ctx context.Context, key string) error {
		return func(ctx context.Context, key string) error {
			_, err := rpcStore.Set(ctx, perfNamespace, key, v)
			return err
		}
	}

	return []perfTest{
		{
			name: "set",
			op: func(ctx context.Context, key string, _ int) error {
				return set(small)(ctx, key)
			},
		},
		{
			name: "set-large",
			op: func(ctx context.Context, key string, _ int) error {
				return set(large)(ctx, key)
			},
		},
		{
			name:    "get",
			prepare: set(small),
			op: func(ctx context.Context, key string, _ int) error {
				_, _, err := rpcStore.Get(ctx, perfNamespace, key)
				return err
			},
		},
		{
			name: "get-missing",
			op: func(ctx context.Context, key string, _ int) error {
				_, _, err := rpcStore.Get(ctx, perfNamespace, key+"-missing")
				return err
			},
		},
		{
			name: "set-ttl",
			op: func(ctx context.Context, key string, _ int) error {
				_, err := rpcStore.Set(ctx, perfNamespace, key, small, kv.WithTTL(time.Minute))
				return err
			},
		},
		{
			name: "increment",
			op: func(ctx context.Context, key string, _ int) error {
				_, err := rpcStore.Increment(ctx, perfNamespace, key, kv.Uint(1), true)
				return err
			},
		},
		{
			name:    "delete",
			prepare: set(small),
			op: func(ctx context.Context, key string, _ int) error {
				_, err := rpcStore.Delete(ctx, perfNamespace, key)
				return err
			},
		},
		{
			name: "lock",
			op: func(ctx context.Context, key string, _ int) error {
				ok, owner, err := rpcClient.AcquireLock(ctx, key, time.Minute)
				if err != nil || !ok {
					return err
				}
				_, err = rpcClient.ReleaseLock(ctx, key, owner)
				return err
			},
		},
		{
			name:    "mixed",
			prepare: set(small),
			op: func(ctx context.Context, key string, n int) error {
				var err error
				switch n % 4 {
				case 0:
					_, err = rpcStore.Set(ctx, perfNamespace, key, small)
				case 1:
					_, _, err = rpcStore.Get(ctx, perfNamespace, key)
				case 2:
					_, err = rpcStore.Delete(ctx, perfNamespace, key)
				case 3:
					_, err = rpcStore.Increment(ctx, perfNamespace, key+"-counter", kv.Int(1), false)
				}
				return err
			},
		},
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	fmt.Println("Performance testing tool for dDoc servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	registry := metrics.NewRegistry()
	results := make(map[string]perfResult)
	var order []string

	for _, test := range perfTests() {
		if shouldSkip(test.name) {
			printResult(test.name, perfResult{})
			continue
		}
		result := runPerfTest(ctx, registry, test)
		results[test.name] = result
		order = append(order, test.name)
		printResult(test.name, result)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, order, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

func runPerfTest(ctx context.Context, registry metrics.Registry, test perfTest) perfResult {
	result := perfResult{
		latency: metrics.GetOrRegisterTimer(test.name+".latency", registry),
		errors:  metrics.GetOrRegisterCounter(test.name+".errors", registry),
	}
	keys := getKeys(test.name)

	result.bench = testing.Benchmark(func(b *testing.B) {
		if test.prepare != nil {
			for _, k := range keys {
				if err := test.prepare(ctx, k); err != nil {
					log.Printf("(%s) - error preparing key: %v\n", test.name, err)
				}
			}
		}

		b.Cleanup(func() {
			for _, k := range keys {
				if _, err := rpcStore.Delete(ctx, perfNamespace, k); err != nil {
					log.Printf("(%s) - error deleting key: %v\n", test.name, err)
				}
			}
		})

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				if err := test.op(ctx, keys[counter%len(keys)], counter); err != nil {
					result.errors.Inc(1)
				}
				result.latency.UpdateSince(start)
				counter++
			}
		})
	})

	if n := result.errors.Count(); n > 0 {
		log.Printf("(%s) - %d operations failed\n", test.name, n)
	}
	return result
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(perfSkip, test)
}

// getKeys creates the test keys of a benchmark
func getKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return keys
}

// opsPerSec derives the throughput of a benchmark
func opsPerSec(result testing.BenchmarkResult) (float64, float64) {
	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	return nsPerOp, 1.0 / (nsPerOp / 1e9)
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result perfResult) {
	if result.latency == nil || result.bench.NsPerOp() == 0 {
		fmt.Printf("%-14sskipped\n", test)
		return
	}

	nsPerOp, ops := opsPerSec(result.bench)
	p := result.latency.Percentiles([]float64{0.5, 0.99})
	fmt.Printf("%-14s%.0fns/op (%s/op)\t%.0f ops/sec\tp50=%s p99=%s\n",
		test, nsPerOp, time.Duration(nsPerOp), ops, time.Duration(p[0]), time.Duration(p[1]))
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, order []string, results map[string]perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "P50", "P99", "Errors",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Database", "Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, test := range order {
		result := results[test]
		nsPerOp, ops := opsPerSec(result.bench)
		p := result.latency.Percentiles([]float64{0.5, 0.99})

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", ops),
			time.Duration(p[0]).String(),
			time.Duration(p[1]).String(),
			strconv.FormatInt(result.errors.Count(), 10),
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			strconv.FormatUint(util.GetDatabaseID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
