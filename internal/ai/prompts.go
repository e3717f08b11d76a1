package ai

import "github.com/lithammer/dedent"

var identifyMediaPrompt = dedent.Dedent(`
	Identify the product shown in the attached media as precisely as possible.
	Use web search to corroborate the brand, model and SKU before answering.

	Respond in JSON format with these fields:
	- sku: The manufacturer SKU or model number (empty string if unknown)
	- name: Full product name including brand
	- material: Primary materials of the product
	- estimatedCost: Estimated retail price as a US dollar string with thousands separators and no decimals, e.g. "$1,200"
	- retailer: The primary retailer or brand store selling this product
	- description: 2-3 sentence description of the product
	- category: Product category, e.g. "Footwear", "Handbags", "Watches"
	- productUrl: Canonical product page URL if you can determine one (empty string otherwise)
	- imageUrl: URL of an official product image if you can determine one (empty string otherwise)

	Respond ONLY with the JSON object, no markdown or other text.`)

var identifyURLPrompt = dedent.Dedent(`
	Identify the product sold at this page URL as precisely as possible:

	%s

	Use web search to look up the page and corroborate the brand, model and SKU.

	Respond in JSON format with these fields:
	- sku: The manufacturer SKU or model number (empty string if unknown)
	- name: Full product name including brand
	- material: Primary materials of the product
	- estimatedCost: Estimated retail price as a US dollar string with thousands separators and no decimals, e.g. "$1,200"
	- retailer: The primary retailer or brand store selling this product
	- description: 2-3 sentence description of the product
	- category: Product category, e.g. "Footwear", "Handbags", "Watches"
	- productUrl: Canonical product page URL (empty string if unsure)
	- imageUrl: URL of an official product image (empty string if unsure)

	Respond ONLY with the JSON object, no markdown or other text.`)

var inspectPrompt = dedent.Dedent(`
	You are performing a quality-control inspection of a physical item against
	its authentic reference product.

	Product under inspection:
	- Name: %s
	- SKU: %s
	- Category: %s
	- Materials: %s

	Image mapping (STRICT, do not confuse these roles):
	%s

	%sCompare the evidence media against the reference and against authoritative
	sources found via web search. Look for material flaws, stitching and
	alignment defects, hardware inconsistencies, incorrect logos or markings,
	and signs the item is not authentic.

	Respond in JSON format with these fields:
	- status: One of "PASS", "FAIL", "WARNING", "NEEDS_INFO"
	- overallScore: Integer 0-100
	- summary: Free-text summary of the verdict
	- faults: Array of {location, issue, severity} where severity is "low", "medium" or "critical"
	- sections: Array of {title, score (0-100), status ("PASS"|"FAIL"|"WARNING"|"INFO"), details (array of strings)}
	- followUp: {required (boolean), missingInfo (string), suggestedAngles (array of strings)}

	Respond ONLY with the JSON object, no markdown or other text.`)

var strictPersona = dedent.Dedent(`
	Act as a senior authentication expert with zero tolerance for ambiguity.
	Any defect or inconsistency you cannot positively rule out must lower the
	score, and missing evidence must be called out via followUp.

	`)

const historyHeader = "Prior inspection history (chronological, oldest first):"
