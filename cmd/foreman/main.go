// Command foreman manages a shared task pool, a hierarchical budget ledger and
// the coordinator tree that spends it.
package main

func main() {
	Execute()
}
