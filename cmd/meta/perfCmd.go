package metacmd

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dMeta/cmd/util"
	"github.com/ValentinKolb/dMeta/lib/meta"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dMeta nodes",
		Long:    "",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__perf"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfDurationSec      = 5
	perfSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "duration"
	perfTestCmd.Flags().Int(key, 5, util.WrapString("How long each benchmark should run (in seconds)"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfDurationSec = viper.GetInt("duration")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for dMeta nodes")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Duration per test: %ds\n", perfDurationSec)
	fmt.Println()

	fmt.Println("starting tests...")

	// Create results map
	results := make(map[string]gometrics.Timer)

	// set: unconditional writes
	setResult := runTimed("set", func(counter int, getKey func(int) string) error {
		_, err := rpcClient.UpsertKV(getKey(counter), meta.MatchAny(), meta.Update([]byte("test")), nil)
		return err
	}, nil)
	results["set"] = setResult
	printResult("set", setResult)
	cleanupKeys("set")

	// set-large: writes with a large payload
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	setLargeResult := runTimed("set-large", func(counter int, getKey func(int) string) error {
		_, err := rpcClient.UpsertKV(getKey(counter), meta.MatchAny(), meta.Update(largeValue), nil)
		return err
	}, nil)
	results["set-large"] = setLargeResult
	printResult("set-large", setLargeResult)
	cleanupKeys("set-large")

	// get: local reads of pre-filled keys
	getResult := runTimed("get", func(counter int, getKey func(int) string) error {
		_, _, err := rpcClient.GetKV(getKey(counter))
		return err
	}, prefillKeys)
	results["get"] = getResult
	printResult("get", getResult)
	cleanupKeys("get")

	// get-miss: local reads of unknown keys
	getMissResult := runTimed("get-miss", func(counter int, getKey func(int) string) error {
		_, _, err := rpcClient.GetKV(getKey(counter) + "-missing")
		return err
	}, nil)
	results["get-miss"] = getMissResult
	printResult("get-miss", getMissResult)

	// incr: global seq minting
	incrResult := runTimed("incr", func(counter int, getKey func(int) string) error {
		_, err := rpcClient.IncrSeq(getKey(counter))
		return err
	}, nil)
	results["incr"] = incrResult
	printResult("incr", incrResult)
	cleanupKeys("incr")

	// mixed: alternating writes, reads, deletes and counters
	mixedResult := runTimed("mixed", func(counter int, getKey func(int) string) error {
		key := getKey(counter)
		var err error
		switch counter % 4 {
		case 0:
			_, err = rpcClient.UpsertKV(key, meta.MatchAny(), meta.Update([]byte("test")), nil)
		case 1:
			_, _, err = rpcClient.GetKV(key)
		case 2:
			_, err = rpcClient.UpsertKV(key, meta.MatchAny(), meta.Delete(), nil)
		case 3:
			_, err = rpcClient.IncrSeq(key + "-seq")
		}
		return err
	}, nil)
	results["mixed"] = mixedResult
	printResult("mixed", mixedResult)
	cleanupKeys("mixed")

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// getKeys creates the test key space for one benchmark
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// runTimed drives one benchmark: perfNumThreads goroutines hammer op for
// perfDurationSec, every call measured by a go-metrics timer.
func runTimed(name string, op func(counter int, getKey func(int) string) error, setup func(name string)) gometrics.Timer {
	timer := gometrics.NewTimer()
	if shouldSkip(name) {
		return timer
	}

	if setup != nil {
		setup(name)
	}

	getKey, _ := getKeys(name)
	deadline := time.Now().Add(time.Duration(perfDurationSec) * time.Second)

	var wg sync.WaitGroup
	for t := 0; t < perfNumThreads; t++ {
		wg.Add(1)
		go func(thread int) {
			defer wg.Done()
			counter := thread
			for time.Now().Before(deadline) {
				start := time.Now()
				if err := op(counter, getKey); err != nil {
					log.Printf("(%s) - error: %v\n", name, err)
				}
				timer.UpdateSince(start)
				counter += perfNumThreads
			}
		}(t)
	}
	wg.Wait()

	return timer
}

// prefillKeys writes a value under every test key
func prefillKeys(name string) {
	_, iter := getKeys(name)
	iter(func(k string) {
		if _, err := rpcClient.UpsertKV(k, meta.MatchAny(), meta.Update([]byte("test")), nil); err != nil {
			log.Printf("(%s) - error setting key: %v\n", name, err)
		}
	})
}

// cleanupKeys removes the test keys of one benchmark
func cleanupKeys(name string) {
	if shouldSkip(name) {
		return
	}
	_, iter := getKeys(name)
	iter(func(k string) {
		if _, err := rpcClient.UpsertKV(k, meta.MatchAny(), meta.Delete(), nil); err != nil {
			log.Printf("(%s) - error deleting key: %v\n", name, err)
		}
	})
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, timer gometrics.Timer) {
	if timer.Count() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	mean := time.Duration(int64(timer.Mean()))
	p99 := time.Duration(int64(timer.Percentile(0.99)))
	fmt.Printf("%-20s%d ops\t%s/op (p99 %s)\t%.0f ops/sec\n", test, timer.Count(), mean, p99, timer.RateMean())
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]gometrics.Timer) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	config := util.GetClientConfig()

	// Write header
	header := []string{
		"Test", "Count", "MeanNs", "P50Ns", "P99Ns", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport",
		"Threads", "LargeValueSizeKB", "Keys Count", "DurationSec",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, timer := range results {
		skipped := timer.Count() == 0

		row := []string{
			test,
			strconv.FormatInt(timer.Count(), 10),
			fmt.Sprintf("%.0f", timer.Mean()),
			fmt.Sprintf("%.0f", timer.Percentile(0.5)),
			fmt.Sprintf("%.0f", timer.Percentile(0.99)),
			fmt.Sprintf("%.0f", timer.RateMean()),
			strconv.FormatBool(skipped),
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.Itoa(config.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
			strconv.Itoa(perfDurationSec),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
