package unpacker

import "context"

type budgetKey struct{}

// WithBudget attaches the chain budget the scheduler has accumulated for an
// object to the context of its unpack invocation.
func WithBudget(ctx context.Context, b Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

// BudgetFrom extracts the chain budget from the context. A missing budget
// means the object is a freshly submitted root.
func BudgetFrom(ctx context.Context) Budget {
	if b, ok := ctx.Value(budgetKey{}).(Budget); ok {
		return b
	}
	return Budget{}
}
