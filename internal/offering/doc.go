// Package offering normalizes raw store offering records into Products.
//
// Store libraries export offerings in many shapes: flat records with a
// localizedPrice string, Play records with nested pricing phases priced in
// micros, StoreKit records nested under a product object, and records with
// only a numeric price and a currency code. Normalize reads every known
// location and produces one canonical Product, or rejects the record when
// no product identifier can be found.
//
// Price resolution order:
//  1. a direct display-price field
//  2. pricing-phase structures (micros or minor units, divided and
//     formatted with the currency's standard number of decimals)
//  3. numeric price + currency, synthesized into a display string
//  4. the raw numeric string
package offering
