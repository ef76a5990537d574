// Package job defines the job record (the persisted unit of work), its
// lifecycle state machine, and the Store contract the broker backends
// implement.
//
// A job moves through queued → started → {finished | failed}. The two
// terminal states are final. The single sanctioned exception is lease
// redelivery: a started job whose worker stopped heartbeating may be
// returned to queued so another worker can pick it up.
package job
