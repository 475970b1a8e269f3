// Package models contains the remote tree types shared across boxfs.
package models

// RootID is the identifier of the remote store's root folder.
const RootID = "0"

// Kind discriminates a Node between a folder and a file.
type Kind int

const (
	KindFolder Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Node is a folder or a file in the remote store.
//
// Folders carry their direct children (sub-folders first, then files, each
// in the order the remote store reported them). Files carry their size.
type Node struct {
	Kind    Kind    `json:"kind"`
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Size    int64   `json:"size,omitempty"`
	Folders []*Node `json:"folders,omitempty"`
	Files   []*Node `json:"files,omitempty"`
}

// NewFolder builds a folder node.
func NewFolder(id, name string, folders, files []*Node) *Node {
	return &Node{Kind: KindFolder, ID: id, Name: name, Folders: folders, Files: files}
}

// NewFile builds a file node.
func NewFile(id, name string, size int64) *Node {
	return &Node{Kind: KindFile, ID: id, Name: name, Size: size}
}

// IsFolder reports whether n is a folder.
func (n *Node) IsFolder() bool {
	return n != nil && n.Kind == KindFolder
}

// IsFile reports whether n is a file.
func (n *Node) IsFile() bool {
	return n != nil && n.Kind == KindFile
}

// ChildFolder returns the first sub-folder named name, or nil.
func (n *Node) ChildFolder(name string) *Node {
	for _, f := range n.Folders {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// ChildFile returns the first file named name, or nil.
func (n *Node) ChildFile(name string) *Node {
	for _, f := range n.Files {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Child looks name up among the children. Folders win over files.
func (n *Node) Child(name string) *Node {
	if f := n.ChildFolder(name); f != nil {
		return f
	}
	return n.ChildFile(name)
}

// Names returns sub-folder names followed by file names.
func (n *Node) Names() []string {
	names := make([]string, 0, len(n.Folders)+len(n.Files))
	for _, f := range n.Folders {
		names = append(names, f.Name)
	}
	for _, f := range n.Files {
		names = append(names, f.Name)
	}
	return names
}
