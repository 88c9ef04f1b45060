package repo

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// zarrChecksumEntry is one child of a directory's checksum manifest: a
// direct file leaf (digest is the file's own md5) or a subdirectory
// (digest is that subdirectory's own digest string, recursively).
type zarrChecksumEntry struct {
	Digest string
	Name   string
	Size   int64
}

// zarrDirectoryDigest is a parsed "<md5>-<file_count>--<size>" digest,
// the form every node in the tree (including the root) reports. This is
// the same string DANDI's archive API reports as a Zarr asset's checksum.
type zarrDirectoryDigest struct {
	md5       string
	fileCount int
	size      int64
}

func (d zarrDirectoryDigest) String() string {
	return fmt.Sprintf("%s-%d--%d", d.md5, d.fileCount, d.size)
}

// zarrChecksumNode is one directory of the Zarr tree being assembled from
// a flat list of annexed (path, size, md5) leaves, mirroring the upstream
// zarr_checksum library's ZarrChecksumTree: leaves are added one at a
// time by path, then digests are computed bottom-up.
type zarrChecksumNode struct {
	files       []zarrChecksumEntry
	directories map[string]*zarrChecksumNode
}

func newZarrChecksumNode() *zarrChecksumNode {
	return &zarrChecksumNode{directories: make(map[string]*zarrChecksumNode)}
}

func (n *zarrChecksumNode) addLeaf(parts []string, size int64, md5Hex string) {
	if len(parts) == 1 {
		n.files = append(n.files, zarrChecksumEntry{Digest: md5Hex, Name: parts[0], Size: size})
		return
	}
	child, ok := n.directories[parts[0]]
	if !ok {
		child = newZarrChecksumNode()
		n.directories[parts[0]] = child
	}
	child.addLeaf(parts[1:], size, md5Hex)
}

// digest computes this node's zarrDirectoryDigest bottom-up: every child
// directory's digest is computed first, then this node's own manifest is
// serialized exactly as the upstream checksum serializer does (sorted
// keys, comma/colon-space separators, no indentation) and md5-hashed,
// since the archive computes its reported checksum with the same
// serialization and this digest must byte-for-byte reproduce it to match.
func (n *zarrChecksumNode) digest() (zarrDirectoryDigest, error) {
	dirNames := make([]string, 0, len(n.directories))
	for name := range n.directories {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)

	var totalSize int64
	totalFiles := 0
	dirEntries := make([]zarrChecksumEntry, 0, len(dirNames))
	for _, name := range dirNames {
		childDigest, err := n.directories[name].digest()
		if err != nil {
			return zarrDirectoryDigest{}, err
		}
		dirEntries = append(dirEntries, zarrChecksumEntry{
			Digest: childDigest.String(),
			Name:   name,
			Size:   childDigest.size,
		})
		totalSize += childDigest.size
		totalFiles += childDigest.fileCount
	}

	fileEntries := make([]zarrChecksumEntry, len(n.files))
	copy(fileEntries, n.files)
	sort.Slice(fileEntries, func(i, j int) bool { return fileEntries[i].Name < fileEntries[j].Name })
	for _, f := range fileEntries {
		totalSize += f.Size
	}
	totalFiles += len(fileEntries)

	manifest := marshalZarrManifest(dirEntries, fileEntries, totalFiles, totalSize)
	sum := md5.Sum([]byte(manifest))
	return zarrDirectoryDigest{md5: hex.EncodeToString(sum[:]), fileCount: totalFiles, size: totalSize}, nil
}

// marshalZarrManifest renders the canonical JSON the checksum is computed
// over: top-level keys "checksums", "file_count", "size" in that
// (alphabetical) order, each directories/files entry as {"digest",
// "name", "size"}, matching Python's json.dumps(..., sort_keys=True)
// default separators.
func marshalZarrManifest(dirs, files []zarrChecksumEntry, fileCount int, size int64) string {
	var b strings.Builder
	b.WriteString(`{"checksums": {"directories": [`)
	for i, d := range dirs {
		if i > 0 {
			b.WriteString(", ")
		}
		writeZarrChecksumEntry(&b, d)
	}
	b.WriteString(`], "files": [`)
	for i, f := range files {
		if i > 0 {
			b.WriteString(", ")
		}
		writeZarrChecksumEntry(&b, f)
	}
	fmt.Fprintf(&b, `]}, "file_count": %d, "size": %d}`, fileCount, size)
	return b.String()
}

func writeZarrChecksumEntry(b *strings.Builder, e zarrChecksumEntry) {
	fmt.Fprintf(b, `{"digest": %s, "name": %s, "size": %d}`, jsonQuote(e.Digest), jsonQuote(e.Name), e.Size)
}

func jsonQuote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// zarrTreeChecksum computes the Merkle tree checksum of an annexed Zarr
// tree: each entry's MD5E git-annex key already encodes the (size, md5)
// leaf the upstream algorithm hashes, so no content re-read is needed.
func zarrTreeChecksum(entries []AnnexedFile) (string, error) {
	root := newZarrChecksumNode()
	for _, e := range entries {
		size, md5Hex, ok := parseMD5EKey(e.Key)
		if !ok {
			return "", fmt.Errorf("zarr entry %s: not an MD5E annex key (%s)", e.Path, e.Key)
		}
		parts := strings.Split(e.Path, "/")
		root.addLeaf(parts, size, md5Hex)
	}
	d, err := root.digest()
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// parseMD5EKey extracts the size and hex md5 digest from a git-annex
// MD5E key of the form "MD5E-s<size>--<md5>[.ext]".
func parseMD5EKey(key string) (size int64, md5Hex string, ok bool) {
	const prefix = "MD5E-s"
	if !strings.HasPrefix(key, prefix) {
		return 0, "", false
	}
	rest := key[len(prefix):]
	idx := strings.Index(rest, "--")
	if idx < 0 {
		return 0, "", false
	}
	size, err := strconv.ParseInt(rest[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	after := rest[idx+2:]
	if len(after) < 32 {
		return 0, "", false
	}
	return size, after[:32], true
}
