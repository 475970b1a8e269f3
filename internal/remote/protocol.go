package remote

import "github.com/fruitsalade/boxfs/internal/models"

// FolderResponse is returned by GET /api/v1/folders/{id}
type FolderResponse struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Folders []Entry `json:"folders"`
	Files   []Entry `json:"files"`
}

// Entry is a child listed in a FolderResponse.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// CreatedResponse is returned when a file or folder is created.
type CreatedResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// Node converts the response into a folder node.
func (r *FolderResponse) Node() *models.Node {
	folders := make([]*models.Node, 0, len(r.Folders))
	for _, e := range r.Folders {
		folders = append(folders, models.NewFolder(e.ID, e.Name, nil, nil))
	}
	files := make([]*models.Node, 0, len(r.Files))
	for _, e := range r.Files {
		files = append(files, models.NewFile(e.ID, e.Name, e.Size))
	}
	return models.NewFolder(r.ID, r.Name, folders, files)
}
