package gps

// NodeId identifies a single (package name, version) pair. It is dense and
// used as an index into every per-node array in a Context.
type NodeId int

// NameId identifies a package name - a version-agnostic equivalence class
// over every NodeId that shares that name.
type NameId int

// Candidate is a specific node offered as a possible pin for a Requirement.
// Its Time and interpreter mask are not stored here; they're read from the
// owning Context's arrays via NodeId, so a Candidate is cheap to copy and
// compare.
type Candidate struct {
	NodeID NodeId
	NameID NameId
}

// Requirement is a demand for some NameID, raised either by the root of a
// resolution (Parent == nil) or by a dependency edge from Parent.
type Requirement struct {
	NameID NameId
	Parent *Candidate
}

// IsRoot reports whether this is the synthetic root requirement seeded at
// the start of a resolution call.
func (r Requirement) IsRoot() bool {
	return r.Parent == nil
}

// InterpreterVersions is the fixed, ordered list of interpreter version
// strings that node_py_mask bits index into. Bit i of a mask corresponds to
// InterpreterVersions[i].
var InterpreterVersions = [26]string{
	"cp27",
	"cp30", "cp31", "cp32", "cp33", "cp34", "cp35", "cp36", "cp37", "cp38", "cp39",
	"cp310", "cp311", "cp312", "cp313",
	"pp27", "pp35", "pp36", "pp37", "pp38", "pp39",
	"jy27", "ip27",
	"cp27m", "cp37m", "cp38m",
}

// AllInterpretersMask is the bitmask with every defined interpreter bit set;
// it is the convention for "unconstrained" in node_py_mask.
const AllInterpretersMask uint32 = (1 << uint(len(InterpreterVersions))) - 1
