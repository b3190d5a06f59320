package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// VLLMLauncher runs `vllm serve` processes, one per launch, with stdout and
// stderr captured to a log file under the state directory.
type VLLMLauncher struct {
	// StateDir is where per-server log files are written.
	StateDir string
}

var _ Launcher = (*VLLMLauncher)(nil)

func (l *VLLMLauncher) Launch(spec LaunchSpec, port int, gpuIDs []int) (Process, error) {
	logDir := filepath.Join(l.StateDir, "vllm_logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	args := []string{
		"serve", spec.Model,
		"--served-model-name", spec.Model,
		"--port", strconv.Itoa(port),
		"--uvicorn-log-level", "warning",
		"--tensor-parallel-size", strconv.Itoa(max(spec.TensorParallelSize, 1)),
		"--data-parallel-size", strconv.Itoa(max(spec.DataParallelSize, 1)),
		"--limit-mm-per-prompt", `{"video": 0}`,
		"--gpu-memory-utilization", strconv.FormatFloat(spec.GPUMemoryUtilization, 'g', -1, 64),
		"--trust-remote-code",
	}
	if spec.MaxModelLen > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(spec.MaxModelLen))
	}
	args = append(args, spec.ExtraArgs...)

	logPath := filepath.Join(logDir, fmt.Sprintf("%d-%d.log", time.Now().Unix(), port))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating server log: %w", err)
	}

	devices := make([]string, len(gpuIDs))
	for i, id := range gpuIDs {
		devices[i] = strconv.Itoa(id)
	}

	cmd := exec.Command("vllm", args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"CUDA_VISIBLE_DEVICES="+strings.Join(devices, ","),
		"OMP_NUM_THREADS=1",
	)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting vllm (is it installed and on PATH?): %w", err)
	}
	// The child holds its own descriptor now.
	logFile.Close()

	proc := &vllmProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

type vllmProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *vllmProcess) Done() <-chan struct{} { return p.done }

// Stop asks the process to terminate and kills it if it lingers.
func (p *vllmProcess) Stop() {
	select {
	case <-p.done:
		return
	default:
	}

	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
	case <-time.After(15 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}
