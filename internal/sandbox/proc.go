//go:build linux
// +build linux

package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/governor"
)

// pythonWrapper 是 Python 运行时的包装脚本。
// 协议：stdin 每行一个 JSON 请求，stdout 每行一个 JSON 结果，
// 工作负载的打印输出全部改道 stderr 作为日志行。
// 工作负载自身的 OS 资源错误（描述符耗尽等）被捕获为结构化的
// error 对象上报，进程继续存活服务后续请求。
const pythonWrapper = `import errno
import io
import json
import sys

sys.path.insert(0, %q)

_spec = %q
_module, _, _func = _spec.partition('.')
_func = _func or 'handler'

def _emit(obj):
    sys.__stdout__.write(json.dumps(obj, separators=(',', ':')) + '\n')
    sys.__stdout__.flush()

def _log(text):
    for line in str(text).splitlines():
        sys.__stderr__.write(line + '\n')
    sys.__stderr__.flush()

_RESOURCES = {
    errno.EMFILE: 'file descriptors',
    errno.ENFILE: 'file table',
    errno.ENOMEM: 'memory',
    errno.ENOSPC: 'disk space',
}

try:
    handler = getattr(__import__(_module), _func)
except Exception as exc:
    _log(f'failed to load handler: {exc}')
    sys.exit(3)

_emit({'ok': True})

for _line in sys.__stdin__:
    _line = _line.strip()
    if not _line:
        continue
    _out = io.StringIO()
    sys.stdout = _out
    sys.stderr = _out
    try:
        _result = handler(json.loads(_line))
        _reply = _result if _result is not None else {}
    except OSError as exc:
        if exc.errno in _RESOURCES:
            _reply = {'error': {'resource': _RESOURCES[exc.errno], 'code': exc.errno,
                                'operation': 'open' if getattr(exc, 'filename', None) else 'syscall'}}
        else:
            _reply = {'error': str(exc)}
    except Exception as exc:
        _reply = {'error': str(exc) or exc.__class__.__name__}
    finally:
        sys.stdout = sys.__stdout__
        sys.stderr = sys.__stderr__
    _log(_out.getvalue())
    try:
        _emit(_reply)
    except (TypeError, ValueError) as exc:
        _emit({'error': f'result is not JSON serializable: {exc}'})
`

// nodeWrapper 是 Node.js 运行时的包装脚本，协议与 Python 包装一致。
// 处理函数可以是异步的；响应按请求顺序串行产出。
const nodeWrapper = `const path = require('path');
const readline = require('readline');

const parts = %q.split('.');
const moduleFile = path.join(%q, parts[0] + '.js');
const handlerName = parts[1] || 'handler';

const emit = (obj) => process.stdout.write(JSON.stringify(obj === undefined ? {} : obj) + '\n');
const log = (...args) => process.stderr.write(args.map(String).join(' ') + '\n');

console.log = log;
console.info = log;
console.warn = log;
console.error = log;

const RESOURCES = { EMFILE: 'file descriptors', ENFILE: 'file table', ENOMEM: 'memory', ENOSPC: 'disk space' };

let handler;
try {
    handler = require(moduleFile)[handlerName];
    if (typeof handler !== 'function') throw new Error('handler is not a function');
} catch (err) {
    log('failed to load handler: ' + ((err && err.message) || err));
    process.exit(3);
}

emit({ ok: true });

const rl = readline.createInterface({ input: process.stdin, terminal: false });
let queue = Promise.resolve();
rl.on('line', (line) => {
    if (!line.trim()) return;
    queue = queue.then(async () => {
        try {
            const result = await handler(JSON.parse(line));
            emit(result);
        } catch (err) {
            const resource = err && err.code && RESOURCES[err.code];
            if (resource) {
                emit({ error: { resource: resource, code: Math.abs((err && err.errno) || 0), operation: (err && err.syscall) || 'open' } });
            } else {
                emit({ error: String((err && err.message) || err) });
            }
        }
    });
});
rl.on('close', () => { queue.then(() => process.exit(0)); });
`

// ProcessRunner 以常驻子进程执行函数工作负载。
// Init 写入代码与包装脚本并启动解释器进程，此后每次 Invoke 通过
// 行协议复用同一进程。进程以独立进程组启动，Kill 对整组生效。
type ProcessRunner struct {
	runtime     domain.Runtime
	interpreter string
	baseDir     string

	// reqMu 串行化行协议上的请求
	reqMu sync.Mutex

	// stateMu 保护进程状态与当前日志目标
	stateMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	logs    *governor.LogBuffer
	dir     string
	killed  bool

	exited  chan struct{}
	waitErr error
}

// NewProcessRunner 创建指定运行时的进程执行后端。
// interpreter 是解释器可执行文件路径，exec 运行时留空。
func NewProcessRunner(runtime domain.Runtime, interpreter, baseDir string) *ProcessRunner {
	return &ProcessRunner{
		runtime:     runtime,
		interpreter: interpreter,
		baseDir:     baseDir,
		exited:      make(chan struct{}),
	}
}

// Init 装载函数代码并启动常驻工作进程。
// 等待包装脚本的就绪行后返回；启动失败时附带进程的诊断输出。
func (r *ProcessRunner) Init(ctx context.Context, fn *domain.Function, limits domain.ResolvedLimits) error {
	dir, err := os.MkdirTemp(r.baseDir, "sandbox-")
	if err != nil {
		return fmt.Errorf("failed to create sandbox dir: %w", err)
	}

	argv, err := r.writeWorkload(dir, fn)
	if err != nil {
		os.RemoveAll(dir)
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"STRATUS_FUNCTION_ID=" + fn.ID,
	}
	// 独立进程组：强制终止时对工作负载的全部子进程生效
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(dir)
		return err
	}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to start workload process: %w", err)
	}

	// 启动阶段的诊断输出单独收集，用于装载失败的错误信息
	initLogs := governor.NewLogBuffer(64 * 1024)

	r.stateMu.Lock()
	r.cmd = cmd
	r.stdin = stdin
	r.stdout = bufio.NewReader(stdout)
	r.dir = dir
	r.logs = initLogs
	killedEarly := r.killed
	r.stateMu.Unlock()

	go r.pumpLogs(stderr)
	go func() {
		r.waitErr = cmd.Wait()
		close(r.exited)
	}()

	// 监视器可能在进程句柄就位之前就已触发
	if killedEarly {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		return fmt.Errorf("workload killed during initialization")
	}

	ready, err := r.stdout.ReadBytes('\n')
	if err != nil || !bytes.Contains(ready, []byte(`"ok"`)) {
		r.Kill()
		diag := strings.Join(initLogs.Lines(), "; ")
		if diag == "" {
			diag = "no diagnostic output"
		}
		return fmt.Errorf("workload failed to initialize: %s", diag)
	}

	r.setLogs(nil)
	return nil
}

// writeWorkload 将函数代码与包装脚本写入沙箱目录，返回启动参数。
func (r *ProcessRunner) writeWorkload(dir string, fn *domain.Function) ([]string, error) {
	moduleName := fn.Handler
	if i := strings.Index(moduleName, "."); i >= 0 {
		moduleName = moduleName[:i]
	}

	switch r.runtime {
	case domain.RuntimePython:
		codePath := filepath.Join(dir, moduleName+".py")
		if err := os.WriteFile(codePath, []byte(fn.Code), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write function code: %w", err)
		}
		wrapperPath := filepath.Join(dir, "_wrapper.py")
		wrapper := fmt.Sprintf(pythonWrapper, dir, fn.Handler)
		if err := os.WriteFile(wrapperPath, []byte(wrapper), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write wrapper: %w", err)
		}
		return []string{r.interpreter, wrapperPath}, nil

	case domain.RuntimeNode:
		codePath := filepath.Join(dir, moduleName+".js")
		if err := os.WriteFile(codePath, []byte(fn.Code), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write function code: %w", err)
		}
		wrapperPath := filepath.Join(dir, "_wrapper.js")
		wrapper := fmt.Sprintf(nodeWrapper, fn.Handler, dir)
		if err := os.WriteFile(wrapperPath, []byte(wrapper), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write wrapper: %w", err)
		}
		return []string{r.interpreter, wrapperPath}, nil

	case domain.RuntimeExec:
		// exec 运行时的代码本身就是讲行协议的可执行脚本
		binPath := filepath.Join(dir, "handler")
		if err := os.WriteFile(binPath, []byte(fn.Code), 0o755); err != nil {
			return nil, fmt.Errorf("failed to write executable: %w", err)
		}
		return []string{binPath}, nil

	default:
		return nil, domain.ErrRuntimeUnsupported
	}
}

// pumpLogs 把工作进程的 stderr 行送入当前调用的日志缓冲。
// 没有在飞调用时的行被丢弃。
func (r *ProcessRunner) pumpLogs(rc io.Reader) {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.stateMu.Lock()
		lb := r.logs
		r.stateMu.Unlock()
		if lb != nil {
			lb.Append(scanner.Text())
		}
	}
}

func (r *ProcessRunner) setLogs(lb *governor.LogBuffer) {
	r.stateMu.Lock()
	r.logs = lb
	r.stateMu.Unlock()
}

// Invoke 通过行协议执行一次调用。
// 对同一进程的请求串行化；进程中途消失时返回进程层面的错误，
// 强制终止的真实原因由调用方的原因闩锁携带。
func (r *ProcessRunner) Invoke(ctx context.Context, payload json.RawMessage, logs *governor.LogBuffer) (json.RawMessage, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	r.stateMu.Lock()
	stdin, stdout := r.stdin, r.stdout
	killed := r.killed
	r.stateMu.Unlock()
	if stdin == nil || killed {
		return nil, domain.ErrSandboxNotReady
	}

	r.setLogs(logs)
	defer r.setLogs(nil)

	line, err := compactLine(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid invocation payload: %w", err)
	}
	if _, err := stdin.Write(line); err != nil {
		return nil, fmt.Errorf("workload terminated unexpectedly: %v", r.exitReason(err))
	}

	resp, err := stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("workload terminated unexpectedly: %v", r.exitReason(err))
	}
	return json.RawMessage(bytes.TrimSpace(resp)), nil
}

// compactLine 把载荷压缩为单行 JSON 并追加换行。空载荷视为空对象。
func compactLine(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("{}\n"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// exitReason 返回进程退出的原因描述（若已退出）。
func (r *ProcessRunner) exitReason(fallback error) error {
	select {
	case <-r.exited:
		if r.waitErr != nil {
			return r.waitErr
		}
		return fmt.Errorf("process exited")
	default:
		return fallback
	}
}

// MemoryUsage 读取工作进程的常驻内存（VmRSS），单位字节。
func (r *ProcessRunner) MemoryUsage() (int64, error) {
	r.stateMu.Lock()
	cmd := r.cmd
	r.stateMu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return 0, domain.ErrSandboxNotReady
	}

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", cmd.Process.Pid))
	if err != nil {
		return 0, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", cmd.Process.Pid)
}

// Kill 强制终止整个工作进程组，幂等。
// 进程尚未启动时只记录终止意图，Init 在进程句柄就位后补发信号。
func (r *ProcessRunner) Kill() error {
	r.stateMu.Lock()
	alreadyKilled := r.killed
	r.killed = true
	cmd := r.cmd
	r.stateMu.Unlock()

	if alreadyKilled || cmd == nil || cmd.Process == nil {
		return nil
	}
	// 负 pid 指向整个进程组
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}

// Close 终止工作进程并清理沙箱目录。
func (r *ProcessRunner) Close() error {
	_ = r.Kill()

	r.stateMu.Lock()
	started := r.cmd != nil
	dir := r.dir
	r.stateMu.Unlock()

	if started {
		select {
		case <-r.exited:
		case <-time.After(5 * time.Second):
		}
	}
	if dir != "" {
		return os.RemoveAll(dir)
	}
	return nil
}
