package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aserranoh/pimage/internal/chroot"
	"github.com/aserranoh/pimage/internal/emulation"
	"github.com/aserranoh/pimage/internal/fsbuilder"
	"github.com/aserranoh/pimage/internal/hostenv"
	"github.com/aserranoh/pimage/internal/image"
	"github.com/aserranoh/pimage/internal/loopdev"
	"github.com/aserranoh/pimage/internal/mountfs"
	"github.com/aserranoh/pimage/internal/plan"
	"github.com/aserranoh/pimage/internal/session"
	"github.com/aserranoh/pimage/internal/utils/logger"
	"github.com/aserranoh/pimage/internal/utils/shell"
)

// Pipeline steps, reported on failure.
const (
	StepAllocate  = "allocate"
	StepLoop      = "loop-attach"
	StepFormat    = "format"
	StepMount     = "mount"
	StepPopulate  = "populate"
	StepEmulation = "emulation"
	StepChroot    = "chroot"
)

// StepError ties a pipeline failure to the step it happened in.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CommandError reports a customization command that exited non-zero inside
// the chroot.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Report is the user-visible outcome of a build: which step failed (if
// any), the underlying error and whether cleanup fully succeeded.
type Report struct {
	Err     error
	Cleanup *session.UnwindReport
}

// Failed reports whether the pipeline itself failed.
func (r *Report) Failed() bool { return r.Err != nil }

// Clean reports whether teardown released every acquired resource.
func (r *Report) Clean() bool { return r.Cleanup == nil || r.Cleanup.Clean() }

func (r *Report) String() string {
	var sb strings.Builder
	if r.Err == nil {
		sb.WriteString("build succeeded")
	} else {
		fmt.Fprintf(&sb, "build failed: %v", r.Err)
	}
	switch {
	case r.Cleanup == nil || r.Cleanup.Clean():
		sb.WriteString("; all resources released")
	default:
		sb.WriteString("; resources needing manual intervention:")
		for _, f := range r.Cleanup.Failures {
			fmt.Fprintf(&sb, "\n  %s %s: %v", f.Kind, f.ID, f.Err)
		}
	}
	return sb.String()
}

// Command is one caller-supplied command executed inside the chroot.
type Command struct {
	Name string
	Args []string
}

// Builder drives the whole image pipeline. Every acquired resource is
// tracked on the build session and unwound on every exit path.
type Builder struct {
	Runner      shell.Runner
	Loop        *loopdev.Manager
	FS          *fsbuilder.Builder
	Mounts      *mountfs.Assembler
	Registrar   *emulation.Registrar
	EnterChroot func(root string) (*chroot.Session, error)

	// Interpreter is the user-mode emulation binary registered for the
	// target architecture; Arch is that architecture.
	Interpreter string
	Arch        string

	// WorkDir hosts the transient mount root. Defaults to the system temp
	// directory.
	WorkDir string
}

// New returns a builder wired to the real host: exec runner, kernel loop
// devices, kernel mounts, procfs binfmt table.
func New(sudo bool) *Builder {
	runner := shell.ExecRunner{Sudo: sudo}
	return &Builder{
		Runner:      runner,
		Loop:        loopdev.NewManager(runner),
		FS:          fsbuilder.NewBuilder(runner),
		Mounts:      mountfs.NewAssembler(),
		Registrar:   emulation.NewRegistrar(),
		EnterChroot: chroot.Enter,
		Interpreter: "/usr/bin/qemu-arm-static",
		Arch:        "arm",
	}
}

// Create builds a new image at outputPath per the plan, populates the root
// filesystem from seed and runs the optional commands inside the emulated
// chroot. Teardown runs on every exit path.
func (b *Builder) Create(ctx context.Context, p *plan.ImagePlan, outputPath string, seed fsbuilder.Seed, commands []Command) *Report {
	log := logger.Logger()
	sess := session.New(outputPath, p)

	report := func(step string, err error) *Report {
		return b.finish(sess, step, err, func() {
			// A failed create never leaves a half-written image behind.
			if err != nil {
				os.Remove(outputPath)
			}
		})
	}

	if err := image.Allocate(outputPath, p); err != nil {
		return report(StepAllocate, err)
	}

	devices := make(map[string]string, len(p.Partitions))
	for _, part := range p.Partitions {
		lp, err := b.Loop.Attach(ctx, sess, outputPath, part.StartBytes, part.SizeBytes)
		if err != nil {
			return report(StepLoop, err)
		}
		devices[part.Name] = lp.Device
	}

	for _, part := range p.Partitions {
		if err := b.FS.Format(ctx, devices[part.Name], part.Filesystem, part.Name); err != nil {
			return report(StepFormat, err)
		}
	}

	mountRoot, err := os.MkdirTemp(b.WorkDir, "pimage-root-")
	if err != nil {
		return report(StepMount, err)
	}
	defer os.RemoveAll(mountRoot)

	rootPart := rootPartition(p)
	if rootPart == nil {
		return report(StepMount, fmt.Errorf("plan has no partition with mount point /"))
	}

	rootNode := &mountfs.Node{
		Source: devices[rootPart.Name],
		Target: mountRoot,
		FSType: mountfs.KernelFSType(rootPart.Filesystem),
	}
	for _, part := range sortedByMountDepth(p.Partitions) {
		if part.MountPoint == "" || part.MountPoint == "/" {
			continue
		}
		rootNode.Children = append(rootNode.Children, &mountfs.Node{
			Source:      devices[part.Name],
			Target:      filepath.Join(mountRoot, part.MountPoint),
			FSType:      mountfs.KernelFSType(part.Filesystem),
			MkdirTarget: true,
		})
	}
	if err := b.Mounts.Assemble(sess, rootNode); err != nil {
		return report(StepMount, err)
	}

	if seed != nil {
		if err := b.FS.Populate(ctx, mountRoot, seed); err != nil {
			return report(StepPopulate, err)
		}
	}

	// Pseudo-filesystems go in after population so the archive never
	// extracts over a live /proc or /dev.
	for _, node := range mountfs.PseudoNodes(mountRoot) {
		if err := b.Mounts.Assemble(sess, node); err != nil {
			return report(StepMount, err)
		}
	}

	if bootstrap, ok := seed.(fsbuilder.BootstrapSeed); ok {
		name, args := bootstrap.SecondStage()
		commands = append([]Command{{Name: name, Args: args}}, commands...)
	}

	if err := b.runInChroot(ctx, sess, mountRoot, commands); err != nil {
		return report(StepChroot, err)
	}

	log.Infof("Image %s built successfully", outputPath)
	return report("", nil)
}

// Customize opens an existing image, mounts its partitions and runs the
// given scripts inside the emulated chroot.
func (b *Builder) Customize(ctx context.Context, imagePath string, scripts []string) *Report {
	log := logger.Logger()
	sess := session.New(imagePath, nil)

	report := func(step string, err error) *Report {
		return b.finish(sess, step, err, nil)
	}

	layout, err := image.ReadLayout(imagePath)
	if err != nil {
		return report(StepAllocate, err)
	}

	rootEntry, bootEntry := classifyEntries(layout)
	if rootEntry == nil {
		return report(StepMount, fmt.Errorf("no root partition found in %s", imagePath))
	}

	rootLoop, err := b.Loop.Attach(ctx, sess, imagePath, rootEntry.StartBytes, rootEntry.SizeBytes)
	if err != nil {
		return report(StepLoop, err)
	}

	mountRoot, err := os.MkdirTemp(b.WorkDir, "pimage-root-")
	if err != nil {
		return report(StepMount, err)
	}
	defer os.RemoveAll(mountRoot)

	rootNode := &mountfs.Node{Source: rootLoop.Device, Target: mountRoot, FSType: b.probeFSType(ctx, rootLoop.Device, "ext4")}
	if err := b.Mounts.Assemble(sess, rootNode); err != nil {
		return report(StepMount, err)
	}

	if bootEntry != nil {
		bootLoop, err := b.Loop.Attach(ctx, sess, imagePath, bootEntry.StartBytes, bootEntry.SizeBytes)
		if err != nil {
			return report(StepLoop, err)
		}
		bootNode := &mountfs.Node{
			Source:      bootLoop.Device,
			Target:      filepath.Join(mountRoot, "boot"),
			FSType:      b.probeFSType(ctx, bootLoop.Device, "vfat"),
			MkdirTarget: true,
		}
		if err := b.Mounts.Assemble(sess, bootNode); err != nil {
			return report(StepMount, err)
		}
	}

	for _, node := range mountfs.PseudoNodes(mountRoot) {
		if err := b.Mounts.Assemble(sess, node); err != nil {
			return report(StepMount, err)
		}
	}

	commands, cleanupScripts, err := stageScripts(mountRoot, scripts)
	if err != nil {
		cleanupScripts()
		return report(StepChroot, err)
	}

	runErr := b.runInChroot(ctx, sess, mountRoot, commands)
	// The copies must go while the tree is still mounted, or they end up
	// shipped inside the image's /tmp.
	cleanupScripts()
	if runErr != nil {
		return report(StepChroot, runErr)
	}

	log.Infof("Image %s customized successfully", imagePath)
	return report("", nil)
}

// runInChroot registers the emulation interpreter, enters the chroot, runs
// every command and leaves through the session ledger.
func (b *Builder) runInChroot(ctx context.Context, sess *session.Session, mountRoot string, commands []Command) error {
	if len(commands) == 0 {
		return nil
	}

	if hostenv.NeedsEmulation(b.Arch) {
		if _, err := b.Registrar.Register(sess, b.Arch, b.Interpreter, mountRoot); err != nil {
			return err
		}
	}

	cs, err := b.EnterChroot(mountRoot)
	if err != nil {
		return err
	}
	sess.Track(session.KindOpenFileDescriptor, "chroot:"+mountRoot, cs.Leave)

	for _, cmd := range commands {
		res, err := cs.Run(ctx, cmd.Name, cmd.Args...)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return &CommandError{Command: cmd.Name, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
	}
	return nil
}

// finish settles the session status, unconditionally unwinds and assembles
// the final report.
func (b *Builder) finish(sess *session.Session, step string, err error, onFail func()) *Report {
	if err != nil {
		sess.Fail(&StepError{Step: step, Err: err})
	} else {
		sess.Succeed()
	}

	cleanup := sess.Unwind()

	if err != nil && onFail != nil {
		onFail()
	}

	report := &Report{Cleanup: cleanup}
	if err != nil {
		report.Err = &StepError{Step: step, Err: err}
	}
	return report
}

// probeFSType asks blkid for the filesystem on a device, falling back to a
// sensible default when the tool is unavailable.
func (b *Builder) probeFSType(ctx context.Context, device, fallback string) string {
	out, err := shell.Output(ctx, b.Runner, "blkid", "-o", "value", "-s", "TYPE", device)
	if err != nil || out == "" {
		return fallback
	}
	return out
}

func rootPartition(p *plan.ImagePlan) *plan.Partition {
	for i := range p.Partitions {
		if p.Partitions[i].MountPoint == "/" {
			return &p.Partitions[i]
		}
	}
	return nil
}

// sortedByMountDepth orders partitions so parent mount points are mounted
// before nested ones.
func sortedByMountDepth(parts []plan.Partition) []plan.Partition {
	sorted := make([]plan.Partition, len(parts))
	copy(sorted, parts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.Count(sorted[i].MountPoint, "/") < strings.Count(sorted[j].MountPoint, "/")
	})
	return sorted
}

// classifyEntries picks the root and boot partitions of an existing image:
// the boot partition is the bootable (or FAT) entry, the root is the
// largest remaining one.
func classifyEntries(layout *image.Layout) (root, boot *image.Entry) {
	for i := range layout.Entries {
		e := &layout.Entries[i]
		if boot == nil && (e.Boot || e.Type == "0c" || e.Type == "0b") {
			boot = e
			continue
		}
		if root == nil || e.SizeBytes > root.SizeBytes {
			root = e
		}
	}
	return root, boot
}

// stageScripts copies the caller's scripts into the tree's /tmp so they are
// visible inside the chroot, returning the commands to run them and a
// cleanup removing the copies.
func stageScripts(mountRoot string, scripts []string) ([]Command, func(), error) {
	var staged []string
	cleanup := func() {
		for _, s := range staged {
			os.Remove(s)
		}
	}

	tmpDir := filepath.Join(mountRoot, "tmp")
	if err := os.MkdirAll(tmpDir, 0o1777); err != nil {
		return nil, cleanup, err
	}

	var commands []Command
	for i, script := range scripts {
		data, err := os.ReadFile(script)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to read script %s: %w", script, err)
		}
		name := fmt.Sprintf("pimage-script-%d-%s", i, filepath.Base(script))
		dest := filepath.Join(tmpDir, name)
		if err := os.WriteFile(dest, data, 0o755); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to stage script %s: %w", script, err)
		}
		staged = append(staged, dest)
		commands = append(commands, Command{Name: "/bin/sh", Args: []string{"/tmp/" + name}})
	}
	return commands, cleanup, nil
}
