package files

import (
	"sort"
	"strings"
)

// NodeType distinguishes files from folders in the tree.
type NodeType string

const (
	// NodeFile is a leaf with content.
	NodeFile NodeType = "file"
	// NodeFolder is an interior node whose membership is defined by
	// the path prefix of its id.
	NodeFolder NodeType = "folder"
)

// Node is one entry in the file-tree mirror. The id is the full
// object-store key ("projects/<sandboxID>/<path>"); the name is the
// final path segment. The root folder's id is RootID.
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Name     string   `json:"name"`
	Children []*Node  `json:"children,omitempty"`
}

// RootID marks the root folder of every sandbox tree.
const RootID = "/"

// keyPrefix is the leading segment of every object key.
const keyPrefix = "projects"

// newRoot creates an empty tree root.
func newRoot() *Node {
	return &Node{ID: RootID, Type: NodeFolder, Name: RootID, Children: []*Node{}}
}

// child returns the direct child with the given name, or nil.
func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// removeChild detaches the direct child with the given id.
func (n *Node) removeChild(id string) {
	for i, c := range n.Children {
		if c.ID == id {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}

// find walks the subtree rooted at n looking for id. It returns the
// node and its parent, or nils.
func (n *Node) find(id string) (node, parent *Node) {
	for _, c := range n.Children {
		if c.ID == id {
			return c, n
		}
		if c.Type == NodeFolder {
			if found, p := c.find(id); found != nil {
				return found, p
			}
		}
	}
	return nil, nil
}

// walk visits every node of the subtree in depth-first order.
func (n *Node) walk(visit func(*Node)) {
	visit(n)
	for _, c := range n.Children {
		c.walk(visit)
	}
}

// clone returns a deep copy of the subtree.
func (n *Node) clone() *Node {
	out := &Node{ID: n.ID, Type: n.Type, Name: n.Name}
	if n.Children != nil {
		out.Children = make([]*Node, 0, len(n.Children))
		for _, c := range n.Children {
			out.Children = append(out.Children, c.clone())
		}
	}
	return out
}

// relabel rewrites the id prefix of the subtree, recomputing every
// descendant id. Directory membership is encoded in the id path, so a
// folder rename must touch the whole subtree.
func (n *Node) relabel(oldPrefix, newPrefix string) {
	n.walk(func(node *Node) {
		if node.ID == oldPrefix {
			node.ID = newPrefix
			return
		}
		if strings.HasPrefix(node.ID, oldPrefix+"/") {
			node.ID = newPrefix + strings.TrimPrefix(node.ID, oldPrefix)
		}
	})
}

// isFileName reports whether a path segment names a file. A segment
// with an extension-like marker is a file, anything else is a folder.
func isFileName(segment string) bool {
	return strings.Contains(segment, ".")
}

// buildTree reconstructs the tree from object keys. Keys that do not
// belong to the sandbox are skipped; the caller logs them as a
// corruption guard.
func buildTree(sandboxID string, keys []string) (*Node, []string) {
	root := newRoot()
	var skipped []string

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	for _, key := range sorted {
		parts := strings.Split(key, "/")
		if len(parts) < 3 || parts[0] != keyPrefix || parts[1] != sandboxID {
			skipped = append(skipped, key)
			continue
		}

		current := root
		prefix := parts[0] + "/" + parts[1]
		rel := parts[2:]
		for i, part := range rel {
			if part == "" {
				continue
			}
			prefix = prefix + "/" + part
			isFile := i == len(rel)-1 && isFileName(part)

			if existing := current.child(part); existing != nil {
				if !isFile {
					current = existing
				}
				continue
			}

			if isFile {
				current.Children = append(current.Children, &Node{
					ID:   key,
					Type: NodeFile,
					Name: part,
				})
			} else {
				folder := &Node{
					ID:       prefix,
					Type:     NodeFolder,
					Name:     part,
					Children: []*Node{},
				}
				current.Children = append(current.Children, folder)
				current = folder
			}
		}
	}
	return root, skipped
}
