package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/codebuildervaibhav/lecture-digest/internal/export"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

const folderMimeType = "application/vnd.google-apps.folder"

// driveFiles is the subset of the Drive files API the sink needs
type driveFiles interface {
	FindFolder(ctx context.Context, name, parentID string) (string, error)
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
	Upload(ctx context.Context, name, parentID, mimeType string, content io.Reader) (string, error)
}

// Drive uploads artifact sets to Google Drive under
// <folder>/2025/01/23/task_<id>/
type Drive struct {
	files      driveFiles
	folderName string
	folderID   string
	now        func() time.Time
	logger     *slog.Logger
}

// NewDrive creates a Drive sink from OAuth client credentials and a cached token
func NewDrive(ctx context.Context, credentialsFile, tokenFile, folderName string, logger *slog.Logger) (*Drive, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read token file %s (authorize once with the authorize command): %w", tokenFile, err)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}
	return newDrive(ctx, serviceFiles{srv}, folderName, logger)
}

func newDrive(ctx context.Context, files driveFiles, folderName string, logger *slog.Logger) (*Drive, error) {
	d := &Drive{
		files:      files,
		folderName: folderName,
		now:        time.Now,
		logger:     logger.With("component", "drive"),
	}
	id, err := d.findOrCreateFolder(ctx, folderName, "")
	if err != nil {
		return nil, fmt.Errorf("unable to prepare folder %q: %w", folderName, err)
	}
	d.folderID = id
	return d, nil
}

// Deliver uploads every artifact of the set. Re-delivery creates new copies.
func (d *Drive) Deliver(ctx context.Context, recipient int64, set export.ArtifactSet) error {
	folderID, err := d.ensureTaskFolder(ctx, d.now(), set.TaskID)
	if err != nil {
		return fmt.Errorf("drive: %w", err)
	}
	for _, a := range set.Artifacts {
		if _, err := d.files.Upload(ctx, a.Name, folderID, a.ContentType, bytes.NewReader(a.Content)); err != nil {
			return fmt.Errorf("drive: failed to upload %s: %w", a.Name, err)
		}
	}
	d.logger.Info("artifacts uploaded", "task_id", set.TaskID, "files", len(set.Artifacts))
	return nil
}

// NotifyFailure is a no-op; Drive only stores deliverables
func (d *Drive) NotifyFailure(ctx context.Context, recipient int64, taskID string, te types.TaskError) error {
	return nil
}

// ensureTaskFolder creates nested year/month/day/task folders
func (d *Drive) ensureTaskFolder(ctx context.Context, t time.Time, taskID string) (string, error) {
	parent := d.folderID
	for _, name := range []string{
		fmt.Sprintf("%d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
		"task_" + taskID,
	} {
		id, err := d.findOrCreateFolder(ctx, name, parent)
		if err != nil {
			return "", err
		}
		parent = id
	}
	return parent, nil
}

func (d *Drive) findOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	id, err := d.files.FindFolder(ctx, name, parentID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	return d.files.CreateFolder(ctx, name, parentID)
}

// serviceFiles implements driveFiles with the Drive v3 service
type serviceFiles struct {
	srv *drive.Service
}

func (s serviceFiles) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), folderMimeType)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", parentID)
	}
	r, err := s.srv.Files.List().Q(query).Spaces("drive").Fields("files(id, name)").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to search for folder: %w", err)
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}
	return "", nil
}

func (s serviceFiles) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	folder := &drive.File{Name: name, MimeType: folderMimeType}
	if parentID != "" {
		folder.Parents = []string{parentID}
	}
	file, err := s.srv.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to create folder: %w", err)
	}
	return file.Id, nil
}

func (s serviceFiles) Upload(ctx context.Context, name, parentID, mimeType string, content io.Reader) (string, error) {
	f := &drive.File{Name: name, Parents: []string{parentID}, MimeType: mimeType}
	created, err := s.srv.Files.Create(f).Media(content).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

// AuthorizeDrive runs the interactive OAuth flow and caches the token
func AuthorizeDrive(ctx context.Context, credentialsFile, tokenFile string, in io.Reader, out io.Writer) error {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return fmt.Errorf("unable to read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return fmt.Errorf("unable to parse credentials: %w", err)
	}

	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser:\n%v\n", authURL)
	fmt.Fprint(out, "Enter authorization code: ")

	var authCode string
	if _, err := fmt.Fscan(in, &authCode); err != nil {
		return fmt.Errorf("unable to read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return saveToken(tokenFile, tok)
}

// tokenFromFile retrieves a token from a local file
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// saveToken saves a token to a file path
func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}
