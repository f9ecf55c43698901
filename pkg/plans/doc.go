/*
Package plans previews and applies subscription plan changes.

A change is classified against the live snapshot as same_plan, upgrade,
downgrade_safe or downgrade_requires_action. Upgrades wake devices that were
suspended for entitlement reasons, oldest suspension first, and sync the
subscriber's role to the plan tier. A downgrade that leaves devices over the
limit must name a remedy (suspend exactly the excess, or buy that many extra
slots); the remedy and the plan change commit together.

Changes requested with AtPeriodEnd are recorded on the subscription and
applied by the plans.apply_scheduled task, or by ApplyDue for tasks that
were lost. When a scheduled downgrade requires action at that point the
devices with the highest suspension priority are suspended automatically.

FileCatalog serves the plan catalog from YAML and reloads it on change:

	plans:
	  - id: 1
	    slug: basic
	    device_limit: 2
	    monthly_price_cents: 500
	    yearly_price_cents: 5000
	    tier: user
*/
package plans
