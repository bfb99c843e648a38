package agent

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ctxaudit/auditcore/internal/models"
)

const (
	reconMaxRetries = 2
	reconMaxDepth   = 6
	reconMaxFiles   = 4000
)

// languageByExt maps file extensions to languages for the technology summary.
var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".rb":    "ruby",
	".php":   "php",
	".rs":    "rust",
	".c":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".cs":    "csharp",
	".kt":    "kotlin",
	".swift": "swift",
}

// manifestFiles are dependency manifests worth reading for the inventory.
var manifestFiles = map[string]string{
	"package.json":     "npm",
	"requirements.txt": "pip",
	"Pipfile":          "pip",
	"go.mod":           "go",
	"Cargo.toml":       "cargo",
	"pom.xml":          "maven",
	"build.gradle":     "gradle",
	"Gemfile":          "bundler",
	"composer.json":    "composer",
}

// frameworkHints maps dependency names to framework labels.
var frameworkHints = map[string]string{
	"flask":   "flask",
	"django":  "django",
	"fastapi": "fastapi",
	"express": "express",
	"koa":     "koa",
	"next":    "nextjs",
	"react":   "react",
	"vue":     "vue",
	"rails":   "rails",
	"spring":  "spring",
	"gin":     "gin",
	"echo":    "echo",
	"laravel": "laravel",
	"actix":   "actix",
}

// entryPointHints flag files likely to define attack-surface entries.
var entryPointHints = []string{"route", "controller", "handler", "endpoint", "api", "view", "urls"}

// ReconAgent builds the structural and attack-surface summary of a project.
// It only reads collaborator services; failure is non-fatal for the session.
type ReconAgent struct {
	deps Deps
	rec  *Recorder
}

// NewReconAgent creates the recon agent for one session.
func NewReconAgent(deps Deps, rec *Recorder) *ReconAgent {
	return &ReconAgent{deps: deps, rec: rec}
}

func (a *ReconAgent) Type() models.AgentType {
	return models.AgentRecon
}

// Run surveys the project. The whole survey is retried with backoff on
// collaborator failure; after the retry budget it returns the error so the
// orchestrator can degrade to an empty recon result.
func (a *ReconAgent) Run(ctx context.Context, in *Input) (*Output, error) {
	exec := a.rec.Begin(models.AgentRecon, "Surveying project structure", map[string]string{
		"project_id": in.Session.ProjectID,
	})

	var result *models.ReconResult
	var err error
	for attempt := 0; ; attempt++ {
		result, err = a.survey(ctx, exec, in.Session.ProjectID)
		if err == nil || attempt >= reconMaxRetries || ctx.Err() != nil {
			break
		}
		backoff := time.Duration(attempt+1) * 2 * time.Second
		log.Warn().Err(err).
			Str("session", in.Session.ID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Recon survey failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
	}
	if err != nil {
		exec.Finish(nil, err)
		return nil, err
	}

	exec.Think("Project survey complete: " + summarizeRecon(result))
	exec.Finish(result, nil)
	return &Output{Recon: result}, nil
}

func (a *ReconAgent) survey(ctx context.Context, exec *Execution, projectID string) (*models.ReconResult, error) {
	project, err := a.deps.Index.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	exec.ToolCall("get_project", map[string]interface{}{"project_id": project.ID})

	files, err := a.walk(ctx, project.Path)
	if err != nil {
		return nil, err
	}
	exec.ToolCall("list_files", map[string]interface{}{"count": len(files)})

	result := &models.ReconResult{FileCount: len(files)}

	langs := make(map[string]struct{})
	var manifests []string
	for _, f := range files {
		if lang, ok := languageByExt[strings.ToLower(path.Ext(f))]; ok {
			langs[lang] = struct{}{}
		}
		if _, ok := manifestFiles[path.Base(f)]; ok {
			manifests = append(manifests, f)
		}
		result.EntryPoints = append(result.EntryPoints, entryPointsFor(f)...)
	}
	for lang := range langs {
		result.Languages = append(result.Languages, lang)
	}

	deps, err := a.readManifests(ctx, manifests)
	if err != nil {
		return nil, err
	}
	result.Dependencies = deps

	seen := make(map[string]struct{})
	for _, d := range deps {
		name := strings.ToLower(d.Name)
		for hint, framework := range frameworkHints {
			if !strings.Contains(name, hint) {
				continue
			}
			if _, dup := seen[framework]; !dup {
				seen[framework] = struct{}{}
				result.Frameworks = append(result.Frameworks, framework)
			}
		}
	}
	return result, nil
}

// walk lists files breadth-first through the indexing collaborator, bounded
// by depth and total count.
func (a *ReconAgent) walk(ctx context.Context, root string) ([]string, error) {
	type dir struct {
		path  string
		depth int
	}
	queue := []dir{{path: root}}
	var files []string

	for len(queue) > 0 && len(files) < reconMaxFiles {
		d := queue[0]
		queue = queue[1:]

		entries, err := a.deps.Index.ListFiles(ctx, d.path)
		if err != nil {
			// Root failure is a survey failure; deeper failures just prune
			// that subtree.
			if d.path == root {
				return nil, err
			}
			log.Debug().Err(err).Str("directory", d.path).Msg("Skipping unreadable directory")
			continue
		}
		for _, entry := range entries {
			if entry.IsDir {
				if d.depth+1 <= reconMaxDepth && !skipDir(path.Base(entry.Path)) {
					queue = append(queue, dir{path: entry.Path, depth: d.depth + 1})
				}
				continue
			}
			files = append(files, entry.Path)
			if len(files) >= reconMaxFiles {
				break
			}
		}
	}
	return files, nil
}

// readManifests fetches dependency manifests concurrently and parses them
// with line-oriented heuristics good enough for an inventory.
func (a *ReconAgent) readManifests(ctx context.Context, manifests []string) ([]models.Dependency, error) {
	results := make([][]models.Dependency, len(manifests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, manifest := range manifests {
		g.Go(func() error {
			content, err := a.deps.Index.ReadFile(gctx, manifest)
			if err != nil {
				log.Debug().Err(err).Str("file", manifest).Msg("Skipping unreadable manifest")
				return nil
			}
			results[i] = parseManifest(manifest, content)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var deps []models.Dependency
	for _, r := range results {
		deps = append(deps, r...)
	}
	return deps, nil
}

func parseManifest(file, content string) []models.Dependency {
	base := path.Base(file)
	var deps []models.Dependency
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		var name, version string
		switch base {
		case "requirements.txt":
			for _, sep := range []string{"==", ">=", "<=", "~="} {
				if idx := strings.Index(line, sep); idx > 0 {
					name, version = line[:idx], line[idx+len(sep):]
					break
				}
			}
			if name == "" && !strings.ContainsAny(line, " \t") {
				name = line
			}
		case "go.mod":
			fields := strings.Fields(line)
			if len(fields) >= 2 && strings.Contains(fields[0], "/") && strings.HasPrefix(fields[1], "v") {
				name, version = fields[0], fields[1]
			}
		case "package.json", "composer.json":
			// "name": "version" pairs inside dependency blocks; crude but
			// we only need names for framework hints.
			if strings.Count(line, "\"") >= 4 && strings.Contains(line, ":") {
				parts := strings.SplitN(line, ":", 2)
				name = strings.Trim(strings.TrimSpace(parts[0]), "\",")
				version = strings.Trim(strings.TrimSpace(strings.TrimSuffix(parts[1], ",")), "\"")
				if strings.ContainsAny(name, "{}[]") || name == "name" || name == "version" {
					name = ""
				}
			}
		case "Gemfile":
			if strings.HasPrefix(line, "gem ") {
				name = strings.Trim(strings.TrimSuffix(strings.TrimPrefix(line, "gem "), ","), "'\" ")
				if idx := strings.IndexAny(name, ",'\""); idx > 0 {
					name = name[:idx]
				}
			}
		case "Cargo.toml":
			if idx := strings.Index(line, "="); idx > 0 && !strings.HasPrefix(line, "[") {
				name = strings.TrimSpace(line[:idx])
				version = strings.Trim(strings.TrimSpace(line[idx+1:]), "\"")
			}
		}
		if name != "" {
			deps = append(deps, models.Dependency{Name: name, Version: version, Source: base})
		}
	}
	return deps
}

func entryPointsFor(file string) []models.EntryPoint {
	lower := strings.ToLower(path.Base(file))
	var eps []models.EntryPoint
	for _, hint := range entryPointHints {
		if strings.Contains(lower, hint) {
			eps = append(eps, models.EntryPoint{Kind: "route", Path: file, Source: hint})
			break
		}
	}
	if strings.Contains(lower, "upload") {
		eps = append(eps, models.EntryPoint{Kind: "upload", Path: file, Source: "upload"})
	}
	return eps
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", "dist", "build", "__pycache__", ".venv", "venv", "target":
		return true
	}
	return strings.HasPrefix(name, ".")
}

func summarizeRecon(r *models.ReconResult) string {
	var b strings.Builder
	b.WriteString(strings.Join(r.Languages, ", "))
	if len(r.Frameworks) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(r.Frameworks, ", "))
		b.WriteString(")")
	}
	return b.String()
}
