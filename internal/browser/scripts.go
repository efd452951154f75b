package browser

// Page scripts. Declarations starting with "function" are bound to a node with
// this; arrow functions are evaluated by the action library with the element as
// the first argument.

const jsClick = `function() { this.scrollIntoView({block: 'center', inline: 'center'}); this.click(); }`

const jsAssignValue = `(el, value) => {
	el.focus();
	el.value = value;
	el.dispatchEvent(new Event('input', {bubbles: true}));
	el.dispatchEvent(new Event('change', {bubbles: true}));
	el.blur();
}`

const jsFocusEnd = `el => {
	el.focus();
	if (typeof el.value === 'string' && el.setSelectionRange) {
		try { el.setSelectionRange(el.value.length, el.value.length); } catch (e) {}
	}
}`

const jsSetValue = `function(value, clear) {
	this.scrollIntoView({block: 'center'});
	this.focus();
	if (this.isContentEditable) {
		this.textContent = clear ? value : (this.textContent || '') + value;
	} else {
		this.value = clear ? value : (this.value || '') + value;
	}
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
	return true;
}`

const jsWindowScroll = `(root, dy) => window.scrollBy(0, dy)`

const jsElementScroll = `(el, dy) => el.scrollBy(0, dy)`

const jsFrameScroll = `(el, dy) => {
	const doc = el.contentDocument;
	if (doc && doc.scrollingElement) {
		doc.scrollingElement.scrollBy(0, dy);
	} else if (el.contentWindow) {
		el.contentWindow.scrollBy(0, dy);
	}
}`

const jsFrameScrollCDP = `function(dy) {
	const doc = this.contentDocument;
	if (!doc || !doc.scrollingElement) return false;
	doc.scrollingElement.scrollBy(0, dy);
	return true;
}`

const jsScrollToText = `(text) => {
	const needle = text.toLowerCase();
	const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
	let node;
	while ((node = walker.nextNode())) {
		if (node.textContent.toLowerCase().includes(needle) && node.parentElement) {
			node.parentElement.scrollIntoView({block: 'center'});
			return true;
		}
	}
	return false;
}`

const jsSelectOption = `function(text) {
	if (!this.options) {
		return {success: false, message: 'element has no options', value: ''};
	}
	const wanted = String(text).trim().toLowerCase();
	for (let i = 0; i < this.options.length; i++) {
		const o = this.options[i];
		if (o.text.trim().toLowerCase() === wanted || o.value === text || String(i) === text) {
			this.selectedIndex = i;
			this.dispatchEvent(new Event('input', {bubbles: true}));
			this.dispatchEvent(new Event('change', {bubbles: true}));
			return {success: true, message: 'selected ' + o.text.trim(), value: o.value};
		}
	}
	return {success: false, message: 'option "' + text + '" not found', value: ''};
}`

const jsReadOptions = `function() {
	return Array.from(this.options || []).map((o, i) => ({
		index: i, text: o.text.trim(), value: o.value, selected: o.selected,
	}));
}`
