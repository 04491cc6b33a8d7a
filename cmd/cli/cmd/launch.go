package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"podlauncher/pkg/api"
)

func newLaunchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a job attempt for a connection",
		Long: `Launch a job attempt on the cluster. Any other live execution of the same
connection is reaped first; an attempt that is already running is re-attached
instead of created again.

Example:
  launchctl launch --connection conn-1 --job 42 --attempt 0 --application replication-orchestrator
  launchctl launch --connection conn-1 --job 42 --application sync --image alpine \
    --command orchestrator,--,sh,-c,'echo {} > $LAUNCHER_OUTPUT_PATH' --port 8080:18080 --wait`,
		Run: runLaunch,
	}

	flags := cmd.Flags()
	flags.String("connection", "", "Connection id (logical key) of the launch")
	flags.String("job", "", "Job id")
	flags.Int64("attempt", 0, "Attempt id")
	flags.String("application", "", "Application name")
	flags.String("image", "", "Container image (default: the service's orchestrator image)")
	flags.StringSlice("command", nil, "Command to run, comma separated")
	flags.StringToString("env", nil, "Environment variables, KEY=VALUE")
	flags.StringToString("file", nil, "Init files, NAME=LOCAL_PATH")
	flags.String("input", "", "Path to a JSON file written as input.json")
	flags.StringSlice("port", nil, "Port mappings, CONTAINER:EXPOSED")
	flags.String("cpu-request", "", "CPU request")
	flags.String("cpu-limit", "", "CPU limit")
	flags.String("memory-request", "", "Memory request")
	flags.String("memory-limit", "", "Memory limit")
	flags.StringToString("label", nil, "Extra labels, KEY=VALUE")
	flags.Bool("wait", false, "Wait for the attempt to finish and print its status")
	flags.Duration("interval", 2*time.Second, "Polling interval used with --wait")

	return cmd
}

func runLaunch(cmd *cobra.Command, args []string) {
	flags := cmd.Flags()
	connection, _ := flags.GetString("connection")
	job, _ := flags.GetString("job")
	attempt, _ := flags.GetInt64("attempt")
	application, _ := flags.GetString("application")
	image, _ := flags.GetString("image")
	command, _ := flags.GetStringSlice("command")
	env, _ := flags.GetStringToString("env")
	filePaths, _ := flags.GetStringToString("file")
	inputPath, _ := flags.GetString("input")
	portSpecs, _ := flags.GetStringSlice("port")
	cpuRequest, _ := flags.GetString("cpu-request")
	cpuLimit, _ := flags.GetString("cpu-limit")
	memoryRequest, _ := flags.GetString("memory-request")
	memoryLimit, _ := flags.GetString("memory-limit")
	labels, _ := flags.GetStringToString("label")
	wait, _ := flags.GetBool("wait")
	interval, _ := flags.GetDuration("interval")

	client := newClient(cmd)
	if client == nil {
		return
	}

	switch {
	case connection == "":
		cmd.Println("Error: --connection is required")
		return
	case job == "":
		cmd.Println("Error: --job is required")
		return
	case application == "":
		cmd.Println("Error: --application is required")
		return
	}

	files, err := readFiles(filePaths)
	if err != nil {
		cmd.Printf("Error: %v\n", err)
		return
	}

	var input json.RawMessage
	if inputPath != "" {
		raw, err := os.ReadFile(inputPath)
		if err != nil {
			cmd.Printf("Error: failed to read input: %v\n", err)
			return
		}
		if !json.Valid(raw) {
			cmd.Printf("Error: %s is not valid JSON\n", inputPath)
			return
		}
		input = raw
	}

	ports, err := parsePorts(portSpecs)
	if err != nil {
		cmd.Printf("Error: %v\n", err)
		return
	}

	result, err := client.Launch(api.LaunchRequest{
		ConnectionID:    connection,
		JobID:           job,
		AttemptID:       attempt,
		ApplicationName: application,
		Image:           image,
		Command:         command,
		Env:             env,
		Files:           files,
		Input:           input,
		Ports:           ports,
		Resources: api.Resources{
			CPURequest:    cpuRequest,
			CPULimit:      cpuLimit,
			MemoryRequest: memoryRequest,
			MemoryLimit:   memoryLimit,
		},
		Labels: labels,
	})
	if err != nil {
		printAPIError(cmd, "Launch", err)
		return
	}

	cmd.Printf("Launch accepted! Execution: %s/%s\n", result.Namespace, result.ExecutionName)

	if !wait {
		return
	}
	execution, err := waitForExecution(client, job, attempt, interval)
	if err != nil {
		printAPIError(cmd, "Status", err)
		return
	}
	printStatus(cmd, *execution)
}

// waitForExecution polls until the attempt reaches SUCCEEDED or FAILED.
func waitForExecution(client *LauncherClient, jobID string, attemptID int64, interval time.Duration) (*api.ExecutionResponse, error) {
	for {
		execution, err := client.GetExecution(jobID, attemptID)
		if err != nil {
			return nil, err
		}
		if execution.Status == "SUCCEEDED" || execution.Status == "FAILED" {
			return execution, nil
		}
		time.Sleep(interval)
	}
}

func readFiles(paths map[string]string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	files := make(map[string]string, len(paths))
	for name, path := range paths {
		if name == "" || name != filepath.Base(name) {
			return nil, fmt.Errorf("invalid file name %q", name)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		files[name] = string(content)
	}
	return files, nil
}

func parsePorts(specs []string) (map[int]int, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	ports := make(map[int]int, len(specs))
	for _, spec := range specs {
		containerPort, exposedPort, ok := strings.Cut(spec, ":")
		if !ok {
			exposedPort = containerPort
		}
		c, err := strconv.Atoi(containerPort)
		if err != nil {
			return nil, fmt.Errorf("invalid port mapping %q", spec)
		}
		e, err := strconv.Atoi(exposedPort)
		if err != nil {
			return nil, fmt.Errorf("invalid port mapping %q", spec)
		}
		ports[c] = e
	}
	return ports, nil
}
