package types

import "fmt"

// CommandOp tags a relational change operation.
type CommandOp int

// Change operations accepted by one2many and many2many writes.
const (
	CmdCreate CommandOp = iota + 1
	CmdUpdate
	CmdDelete
	CmdUnlink
	CmdLink
	CmdClear
	CmdSet
)

var commandNames = map[CommandOp]string{
	CmdCreate: "create",
	CmdUpdate: "update",
	CmdDelete: "delete",
	CmdUnlink: "unlink",
	CmdLink:   "link",
	CmdClear:  "clear",
	CmdSet:    "set",
}

func (op CommandOp) String() string {
	if n, ok := commandNames[op]; ok {
		return n
	}
	return fmt.Sprintf("CommandOp(%d)", int(op))
}

// Command is one change operation on a to-many attribute. Which fields are
// meaningful depends on Op:
//
//	Create: Values
//	Update: ID, Values
//	Delete, Unlink, Link: ID
//	Clear: none
//	Set: IDs
type Command struct {
	Op     CommandOp      `json:"op"`
	ID     int64          `json:"id,omitempty"`
	IDs    []int64        `json:"ids,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// Create returns a command creating a target entity and linking it.
func Create(values map[string]any) Command {
	return Command{Op: CmdCreate, Values: values}
}

// Update returns a command writing values on a linked target.
func Update(id int64, values map[string]any) Command {
	return Command{Op: CmdUpdate, ID: id, Values: values}
}

// Delete returns a command deleting the target entity.
func Delete(id int64) Command {
	return Command{Op: CmdDelete, ID: id}
}

// Unlink returns a command removing the relation only.
func Unlink(id int64) Command {
	return Command{Op: CmdUnlink, ID: id}
}

// Link returns a command adding a relation to an existing target.
func Link(id int64) Command {
	return Command{Op: CmdLink, ID: id}
}

// Clear returns a command removing every relation.
func Clear() Command {
	return Command{Op: CmdClear}
}

// Set returns a command replacing the relation with exactly ids.
func Set(ids ...int64) Command {
	return Command{Op: CmdSet, IDs: append([]int64(nil), ids...)}
}

// Validate checks the fields required by the command's operation.
func (c Command) Validate() error {
	switch c.Op {
	case CmdCreate:
		return nil
	case CmdUpdate, CmdDelete, CmdUnlink, CmdLink:
		if c.ID == 0 {
			return fmt.Errorf("%s command requires an id", c.Op)
		}
		return nil
	case CmdClear, CmdSet:
		return nil
	}
	return fmt.Errorf("unknown command %d", int(c.Op))
}
