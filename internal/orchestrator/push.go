package orchestrator

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/scrapydo/scrapyd-go/internal/domain"
)

// PushProject implements spec §4.C's push operation: unpack the archive,
// locate its scrapy.cfg, probe the spider list, guard against dropping a
// spider with a live SCHEDULED job, then move the archive into place and
// update the registry. Every failure path removes its temp files.
func (o *Orchestrator) PushProject(ctx context.Context, archive []byte) (*domain.Project, error) {
	tmpDir, err := os.MkdirTemp("", "scrapydo-push-*")
	if err != nil {
		return nil, fmt.Errorf("create temp push dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpZip := filepath.Join(tmpDir, "upload.zip")
	if err := os.WriteFile(tmpZip, archive, 0o644); err != nil {
		return nil, fmt.Errorf("write temp archive: %w", err)
	}

	extractDir := filepath.Join(tmpDir, "extracted")
	if err := extractZip(tmpZip, extractDir); err != nil {
		return nil, fmt.Errorf("%w: unzip archive: %v", domain.ErrInvalidProject, err)
	}

	cfgPath, err := findScrapyCfg(extractDir)
	if err != nil {
		return nil, err
	}

	name, err := readDeployProjectName(cfgPath)
	if err != nil {
		return nil, err
	}

	projectRoot := filepath.Join(extractDir, name)
	if _, err := os.Stat(projectRoot); err != nil {
		return nil, fmt.Errorf("%w: extracted project directory %q not found", domain.ErrInvalidProject, name)
	}

	spiders, err := o.listSpiders(ctx, projectRoot)
	if err != nil {
		return nil, err
	}

	if existing, ok := o.registry.Get(name); ok {
		dropped := setDifference(existing.Spiders, spiders)
		for _, spider := range dropped {
			scheduled, err := o.store.ScheduledFor(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("check scheduled jobs for %s: %w", name, err)
			}
			for _, job := range scheduled {
				if job.Spider == spider {
					return nil, fmt.Errorf("%w: spider %q is going to be removed but has scheduled jobs", domain.ErrInvalidProject, spider)
				}
			}
		}
	}

	finalPath := o.layout.archivePath(name)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("create project store directory: %w", err)
	}
	if err := copyFile(tmpZip, finalPath); err != nil {
		return nil, fmt.Errorf("move archive into project store: %w", err)
	}

	project := &domain.Project{Name: name, Archive: finalPath, Spiders: spiders}
	if err := o.registry.Put(project); err != nil {
		os.Remove(finalPath)
		return nil, fmt.Errorf("update project registry: %w", err)
	}

	o.bus.Publish(domain.EventProjectPush, project)
	o.logger.Info("project pushed", "project", name, "spiders", len(spiders))
	return project, nil
}

// RemoveProject implements spec §4.C's remove operation.
func (o *Orchestrator) RemoveProject(ctx context.Context, name string) error {
	proj, ok := o.registry.Get(name)
	if !ok {
		return domain.ErrProjectNotFound
	}

	scheduled, err := o.store.ScheduledFor(ctx, name)
	if err != nil {
		return fmt.Errorf("check scheduled jobs for %s: %w", name, err)
	}
	if len(scheduled) > 0 {
		return fmt.Errorf("%w: project %q", domain.ErrProjectInUse, name)
	}

	if err := os.Remove(proj.Archive); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete archive: %w", err)
	}
	if err := o.registry.Remove(name); err != nil {
		return fmt.Errorf("update project registry: %w", err)
	}

	o.bus.Publish(domain.EventProjectRemove, name)
	o.logger.Info("project removed", "project", name)
	return nil
}

// listSpiders runs the configured "list" subprocess inside projectRoot
// and returns its stdout, one spider name per non-blank line (spec
// §4.C step 4). This is deliberately the thinnest possible I/O caller —
// spec.md §1 treats the spider-list probe as an external collaborator,
// not part of the core.
func (o *Orchestrator) listSpiders(ctx context.Context, projectRoot string) ([]string, error) {
	if len(o.cfg.ListCommand) == 0 {
		return nil, fmt.Errorf("%w: no list command configured", domain.ErrEnvironment)
	}

	listCtx, cancel := context.WithTimeout(ctx, o.cfg.ListTimeout)
	defer cancel()

	cmd := exec.CommandContext(listCtx, o.cfg.ListCommand[0], o.cfg.ListCommand[1:]...)
	cmd.Dir = projectRoot
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("%w: %v", domain.ErrEnvironment, err)
		}
		return nil, fmt.Errorf("%w: list spiders: %v: %s", domain.ErrInvalidProject, err, strings.TrimSpace(errOut.String()))
	}

	var spiders []string
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			spiders = append(spiders, line)
		}
	}
	return spiders, nil
}

// findScrapyCfg requires exactly one scrapy.cfg anywhere under root.
func findScrapyCfg(root string) (string, error) {
	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "scrapy.cfg" {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk extracted archive: %w", err)
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%w: no project found", domain.ErrInvalidProject)
	}
	if len(found) > 1 {
		return "", fmt.Errorf("%w: more than one scrapy.cfg found", domain.ErrInvalidProject)
	}
	return found[0], nil
}

// readDeployProjectName reads the "project" key from the [deploy]
// section of a scrapy.cfg file. scrapy.cfg is a narrow ini dialect with
// no third-party parser in this codebase's dependency pack, so this is
// a small hand-rolled reader rather than a generic ini library.
func readDeployProjectName(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open scrapy.cfg: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	section := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))
			continue
		}
		if section != "deploy" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(strings.ToLower(key)) == "project" {
			name := strings.TrimSpace(value)
			if name == "" {
				break
			}
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: can't extract project name", domain.ErrInvalidProject)
}

func setDifference(previous, current []string) []string {
	currentSet := make(map[string]struct{}, len(current))
	for _, s := range current {
		currentSet[s] = struct{}{}
	}
	var dropped []string
	for _, s := range previous {
		if _, ok := currentSet[s]; !ok {
			dropped = append(dropped, s)
		}
	}
	return dropped
}

// extractZip unpacks archivePath into destDir, creating it if needed.
// Entries are guarded against path traversal ("zip slip").
func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
			return fmt.Errorf("zip entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", target, err)
		}

		if err := extractZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode())
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return fmt.Errorf("copy: %w", err)
	}
	return out.Sync()
}
