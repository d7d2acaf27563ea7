package orchestrator

import "path/filepath"

// layout centralizes the project-store directory structure from spec §4.C:
//
//	<project-store>/
//	   metadata.json        <- registry side-file
//	   <name>.zip           <- one archive per project
//	   log-dir/
//	      <job-id>.out
//	      <job-id>.err
//	   spider-data/         <- exposed to children via SPIDER_DATA_DIR
type layout struct {
	root string
}

func newLayout(root string) layout { return layout{root: root} }

func (l layout) metadataPath() string { return filepath.Join(l.root, "metadata.json") }
func (l layout) archivePath(project string) string {
	return filepath.Join(l.root, project+".zip")
}
func (l layout) logDir() string       { return filepath.Join(l.root, "log-dir") }
func (l layout) spiderDataDir() string { return filepath.Join(l.root, "spider-data") }
