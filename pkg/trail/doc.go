/*
Package trail reconstructs a branching trail (a DAG) from a flat, ordered sequence of
generation steps.

Reconstruct is a pure function: the same steps and start id always produce the same
nodes, edges (in step then choice order) and convergence points (in step order).
Data-quality problems never abort reconstruction; they are returned as Issues next to
the best-effort graph so callers can still render what is known.

ReconstructSequential is a separate compatibility mode for stale data that links every
unresolved choice to the following step and reports each fabricated edge.
*/
package trail
