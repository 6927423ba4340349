package repo

import (
	"github.com/uptrace/bun"
)

// BlobModel represents the blobs table.
type BlobModel struct {
	bun.BaseModel `bun:"table:blobs"`

	HID  string `bun:"hid,pk"`
	Size int64  `bun:"size,notnull"`
	Data []byte `bun:"data,notnull"`
}

// DagnodeModel represents the dagnodes table.
type DagnodeModel struct {
	bun.BaseModel `bun:"table:dagnodes"`

	HID         string `bun:"hid,pk"`
	Generation  int64  `bun:"generation,notnull"`
	CreatedAtNs int64  `bun:"created_at_ns,notnull"`
}

// DagParentModel represents the dag_parents table.
type DagParentModel struct {
	bun.BaseModel `bun:"table:dag_parents"`

	Child  string `bun:"child,pk"`
	Parent string `bun:"parent,pk"`
}

// AuditModel represents the audits table.
type AuditModel struct {
	bun.BaseModel `bun:"table:audits"`

	CsetHID string `bun:"cset_hid,notnull"`
	Who     string `bun:"who,notnull"`
	AtNs    int64  `bun:"at_ns,notnull"`
}

// BranchModel represents the branches table. A branch may have several heads.
type BranchModel struct {
	bun.BaseModel `bun:"table:branches"`

	Name string `bun:"name,pk"`
	HID  string `bun:"hid,pk"`
}

// CommentModel represents the comments table.
type CommentModel struct {
	bun.BaseModel `bun:"table:comments"`

	ID      int64  `bun:"id,pk,autoincrement"`
	CsetHID string `bun:"cset_hid,notnull"`
	Who     string `bun:"who,notnull"`
	AtNs    int64  `bun:"at_ns,notnull"`
	Text    string `bun:"text,notnull"`
}

// StampModel represents the stamps table.
type StampModel struct {
	bun.BaseModel `bun:"table:stamps"`

	CsetHID string `bun:"cset_hid,pk"`
	Name    string `bun:"name,pk"`
	Who     string `bun:"who,notnull"`
	AtNs    int64  `bun:"at_ns,notnull"`
}

// WorkItemModel represents the work_items table.
type WorkItemModel struct {
	bun.BaseModel `bun:"table:work_items"`

	ID    string `bun:"id,pk"`
	Title string `bun:"title,notnull"`
}

// AssociationModel represents the associations table.
type AssociationModel struct {
	bun.BaseModel `bun:"table:associations"`

	CsetHID string `bun:"cset_hid,pk"`
	ItemID  string `bun:"item_id,pk"`
}

// User represents the users table.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID       string `bun:"id,pk"`
	Name     string `bun:"name,notnull,unique"`
	Inactive bool   `bun:"inactive,notnull"`
}
