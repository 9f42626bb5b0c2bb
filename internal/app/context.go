package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// DefaultProjectEnv is the workspace .env key written by "sl project use".
const DefaultProjectEnv = "STAGELINE_DEFAULT_PROJECT"

// ResolveProject picks the project a CLI command acts on. An explicit override wins,
// then the workspace default, then the only project in the database.
func ResolveProject(ctx context.Context, override, workspaceDefault string, r repo.Repo) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(workspaceDefault); id != "" {
		return id, nil
	}
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	switch len(projects) {
	case 0:
		return "", fmt.Errorf("no project yet; run 'sl project setup': %w", domain.ErrNotFound)
	case 1:
		return projects[0].ID, nil
	default:
		return "", errors.New("project not specified; use --project or 'sl project use <id>'")
	}
}

// ReadEnvValue returns key from a dotenv-style file, or "" when absent.
func ReadEnvValue(path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", scanner.Err()
}

// SetEnvValue writes key=value into a dotenv-style file, replacing an existing entry.
func SetEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
